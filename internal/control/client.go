package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/filelock"
)

// ErrNotRunning indicates nothing is listening on the control socket.
var ErrNotRunning = errors.New("orchestrator is not running")

// RemoteError is a failed command reported by the server.
type RemoteError struct {
	Command string
	Code    string
	Message string
	Owner   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Command, e.Message, e.Code)
}

// Is maps remote codes back onto the local sentinels so callers can keep
// using errors.Is across the socket.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case ErrCodeInvalidState:
		return target == errors.ErrInvalidState
	case ErrCodeSettingsLocked:
		return target == errors.ErrSettingsLocked
	case ErrCodeEmptyQueue:
		return target == errors.ErrEmptyQueue
	case ErrCodeNotFound:
		return target == errors.ErrIssueNotFound
	case ErrCodeBusy:
		return target == filelock.ErrBusy
	case ErrCodeNotOwner:
		return target == filelock.ErrNotOwner
	}
	return false
}

// Client sends commands to a control server.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    DefaultConnTimeout,
	}
}

// SetTimeout overrides the dial and exchange timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send performs one request/response exchange.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %w", ErrNotRunning, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

// Call sends command with params and decodes a successful response into
// out, which may be nil. A failed command is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		re := &RemoteError{Command: command, Code: ErrCodeInternal, Message: "unknown error"}
		if resp.Error != nil {
			re.Code = resp.Error.Code
			re.Message = resp.Error.Message
			re.Owner = resp.Error.Owner
		}
		return re
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}

// AcquireLock takes path for owner, retrying every interval while another
// owner holds it. onWait is called once, on the first busy answer.
func (c *Client) AcquireLock(ctx context.Context, path, owner string, interval time.Duration, onWait func(holder string)) error {
	if interval <= 0 {
		interval = filelock.DefaultRetryInterval
	}
	waiting := false
	holder := ""
	for {
		err := c.Call(ctx, CmdLockAcquire, LockParams{Path: path, Owner: owner}, nil)
		if err == nil {
			return nil
		}
		// A deadline hit mid-call surfaces as a dial or read error
		if ctx.Err() != nil {
			if holder == "" {
				return fmt.Errorf("%w: %s: %w", errors.ErrLockTimeout, path, ctx.Err())
			}
			return fmt.Errorf("%w: %s held by %s: %w", errors.ErrLockTimeout, path, holder, ctx.Err())
		}
		var re *RemoteError
		if !errors.As(err, &re) || re.Code != ErrCodeBusy {
			return err
		}
		if !waiting && onWait != nil {
			onWait(re.Owner)
		}
		waiting = true
		holder = re.Owner

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s held by %s: %w", errors.ErrLockTimeout, path, re.Owner, ctx.Err())
		case <-time.After(interval):
		}
	}
}
