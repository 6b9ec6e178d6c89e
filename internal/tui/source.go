// Package tui implements the read-only terminal monitor. It polls a snapshot
// source and renders workers, queue, reviews, and the run log.
package tui

import (
	"context"

	"github.com/Iron-Ham/autobuild/internal/control"
	"github.com/Iron-Ham/autobuild/internal/orchestrator"
)

// Source supplies snapshots to the monitor.
type Source interface {
	Snapshot(ctx context.Context) (orchestrator.Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (orchestrator.Snapshot, error)

// Snapshot calls f.
func (f SourceFunc) Snapshot(ctx context.Context) (orchestrator.Snapshot, error) {
	return f(ctx)
}

// Local reads snapshots from an in-process orchestrator.
func Local(o *orchestrator.Orchestrator) Source {
	return SourceFunc(func(context.Context) (orchestrator.Snapshot, error) {
		return o.Snapshot(), nil
	})
}

// Remote reads snapshots over the control socket.
func Remote(c *control.Client) Source {
	return SourceFunc(func(ctx context.Context) (orchestrator.Snapshot, error) {
		var snap orchestrator.Snapshot
		err := c.Call(ctx, control.CmdSnapshot, nil, &snap)
		return snap, err
	})
}
