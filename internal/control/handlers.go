package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/autobuild/internal/approval"
	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/filelock"
	"github.com/Iron-Ham/autobuild/internal/orchestrator"
	"github.com/Iron-Ham/autobuild/internal/taskqueue"
)

// RegisterOrchestrator wires every orchestrator command and the lock RPC
// onto s.
func RegisterOrchestrator(s *Server, o *orchestrator.Orchestrator) {
	RegisterLocks(s, o.Locks())

	s.Handle(CmdSnapshot, func(context.Context, *Request) *Response {
		return SuccessResponse(o.Snapshot())
	})
	s.Handle(CmdStart, func(ctx context.Context, _ *Request) *Response {
		return result(nil, o.Start(ctx))
	})
	s.Handle(CmdPause, func(context.Context, *Request) *Response {
		return result(nil, o.Pause())
	})
	s.Handle(CmdResume, func(context.Context, *Request) *Response {
		return result(nil, o.Resume())
	})
	s.Handle(CmdStop, func(ctx context.Context, _ *Request) *Response {
		// Leave room to answer before the connection deadline
		if dl, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, dl.Add(-time.Second))
			defer cancel()
		}
		err := o.Stop(ctx)
		if err != nil && ctx.Err() != nil {
			return SuccessResponse(StopResult{Stopped: false})
		}
		return result(StopResult{Stopped: err == nil}, err)
	})
	s.Handle(CmdSkip, func(_ context.Context, req *Request) *Response {
		var p SkipParams
		if err := req.Decode(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return result(nil, o.SkipCurrent(p.WorkerID))
	})
	s.Handle(CmdReviewComplete, issueHandler(o.CompleteReview))
	s.Handle(CmdUnblock, issueHandler(o.Unblock))
	s.Handle(CmdQueueRemove, issueHandler(o.RemoveFromQueue))
	s.Handle(CmdReviewRefactor, func(_ context.Context, req *Request) *Response {
		var p RefactorParams
		if err := req.Decode(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		if p.IssueID == "" || strings.TrimSpace(p.Reason) == "" {
			return ErrorResponse(ErrCodeValidation, "issue_id and reason are required")
		}
		return result(nil, o.RequestRefactor(p.IssueID, p.Reason))
	})
	s.Handle(CmdQueueAdd, func(ctx context.Context, req *Request) *Response {
		var p IssueParams
		if err := req.Decode(&p); err != nil || p.IssueID == "" {
			return ErrorResponse(ErrCodeValidation, "issue_id is required")
		}
		added, err := o.AddToQueue(ctx, p.IssueID)
		return result(QueueAddResult{Added: added}, err)
	})
	s.Handle(CmdSettingsUpdate, func(_ context.Context, req *Request) *Response {
		var patch orchestrator.SettingsPatch
		if err := req.Decode(&patch); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		settings, err := o.UpdateSettings(patch)
		return result(settings, err)
	})
	s.Handle(CmdLogsClear, func(context.Context, *Request) *Response {
		o.ClearLogs()
		return SuccessResponse(nil)
	})
	s.Handle(CmdRefresh, func(ctx context.Context, _ *Request) *Response {
		removed, err := o.Refresh(ctx)
		return result(RefreshResult{Removed: removed}, err)
	})
}

// RegisterLocks exposes a lock registry to external agent processes.
// lock.acquire never blocks on the server; busy paths answer BUSY with the
// holder and the client retries.
func RegisterLocks(s *Server, locks *filelock.Registry) {
	s.Handle(CmdLockAcquire, func(_ context.Context, req *Request) *Response {
		p, resp := lockParams(req, true)
		if resp != nil {
			return resp
		}
		return result(nil, locks.TryAcquire(p.Path, p.Owner))
	})
	s.Handle(CmdLockRelease, func(_ context.Context, req *Request) *Response {
		p, resp := lockParams(req, true)
		if resp != nil {
			return resp
		}
		err := locks.Release(p.Path, p.Owner)
		if errors.Is(err, filelock.ErrNotOwner) {
			resp := errorResponse(err)
			resp.Error.Owner, _ = locks.Owner(p.Path)
			return resp
		}
		return result(nil, err)
	})
	s.Handle(CmdLockReleaseAll, func(_ context.Context, req *Request) *Response {
		p, resp := lockParams(req, false)
		if resp != nil {
			return resp
		}
		return SuccessResponse(ReleaseAllResult{Released: locks.ReleaseAll(p.Owner)})
	})
	s.Handle(CmdLockList, func(context.Context, *Request) *Response {
		return SuccessResponse(locks.Locks())
	})
}

func lockParams(req *Request, needPath bool) (LockParams, *Response) {
	var p LockParams
	if err := req.Decode(&p); err != nil {
		return p, ErrorResponse(ErrCodeValidation, err.Error())
	}
	if p.Owner == "" || (needPath && p.Path == "") {
		return p, ErrorResponse(ErrCodeValidation, "owner and path are required")
	}
	return p, nil
}

func issueHandler(fn func(string) error) HandlerFunc {
	return func(_ context.Context, req *Request) *Response {
		var p IssueParams
		if err := req.Decode(&p); err != nil || p.IssueID == "" {
			return ErrorResponse(ErrCodeValidation, "issue_id is required")
		}
		return result(nil, fn(p.IssueID))
	}
}

func result(data any, err error) *Response {
	if err != nil {
		return errorResponse(err)
	}
	return SuccessResponse(data)
}

// errorResponse maps domain errors onto protocol error codes.
func errorResponse(err error) *Response {
	var busy *filelock.BusyError
	if errors.As(err, &busy) {
		resp := ErrorResponse(ErrCodeBusy, err.Error())
		resp.Error.Owner = busy.Owner
		return resp
	}
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		return ErrorResponse(ErrCodeValidation, err.Error())
	}

	code := ErrCodeInternal
	switch {
	case errors.Is(err, errors.ErrSettingsLocked):
		code = ErrCodeSettingsLocked
	case errors.Is(err, errors.ErrEmptyQueue):
		code = ErrCodeEmptyQueue
	case errors.Is(err, errors.ErrInvalidState),
		errors.Is(err, approval.ErrNotAwaitingReview),
		errors.Is(err, approval.ErrAlreadyAwaiting),
		errors.Is(err, taskqueue.ErrInvalidTransition):
		code = ErrCodeInvalidState
	case errors.Is(err, errors.ErrIssueNotFound),
		errors.Is(err, taskqueue.ErrNotQueued),
		errors.Is(err, filelock.ErrNotLocked):
		code = ErrCodeNotFound
	case errors.Is(err, taskqueue.ErrAlreadyQueued):
		code = ErrCodeDuplicate
	case errors.Is(err, filelock.ErrNotOwner):
		code = ErrCodeNotOwner
	case errors.Is(err, errors.ErrIssueClosed):
		code = ErrCodeValidation
	}
	return ErrorResponse(code, err.Error())
}

// Describe renders a RemoteError for CLI output.
func Describe(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		if re.Owner != "" {
			return fmt.Sprintf("%s (held by %s)", re.Message, re.Owner)
		}
		return re.Message
	}
	return err.Error()
}
