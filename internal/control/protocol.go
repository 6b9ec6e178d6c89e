// Package control implements the unix domain socket a running orchestrator
// listens on. CLI invocations use it to issue commands and read snapshots;
// external agent processes use it to take and release file locks.
package control

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// ProtocolVersion is bumped on incompatible frame or command changes.
const ProtocolVersion = 1

// maxFrameSize caps a single frame. Snapshots with long logs stay well under it.
const maxFrameSize = 10 * 1024 * 1024

// Commands understood by the orchestrator's control server.
const (
	CmdSnapshot       = "snapshot"
	CmdStart          = "start"
	CmdPause          = "pause"
	CmdResume         = "resume"
	CmdStop           = "stop"
	CmdSkip           = "skip"
	CmdReviewComplete = "review.complete"
	CmdReviewRefactor = "review.refactor"
	CmdUnblock        = "unblock"
	CmdQueueAdd       = "queue.add"
	CmdQueueRemove    = "queue.remove"
	CmdSettingsUpdate = "settings.update"
	CmdLogsClear      = "logs.clear"
	CmdRefresh        = "refresh"
	CmdLockAcquire    = "lock.acquire"
	CmdLockRelease    = "lock.release"
	CmdLockReleaseAll = "lock.release_all"
	CmdLockList       = "lock.list"
)

// Request is one command sent to the server.
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// Response is the server's answer to a Request.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail describes a failed command.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Owner is set on BUSY lock responses.
	Owner string `json:"owner,omitempty"`
}

// Error codes carried in ErrorDetail.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeSettingsLocked   = "SETTINGS_LOCKED"
	ErrCodeEmptyQueue       = "EMPTY_QUEUE"
	ErrCodeDuplicate        = "DUPLICATE"
	ErrCodeBusy             = "BUSY"
	ErrCodeNotOwner         = "NOT_OWNER"
)

// NewRequest builds a request with params encoded as JSON.
func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// SuccessResponse wraps data in a successful response.
func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

// ErrorResponse builds a failed response.
func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// WriteFrame writes v as a length-prefixed JSON frame:
// [4-byte big endian length][JSON payload].
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}

// Decode decodes req.Params into v. An empty payload leaves v unchanged.
func (req *Request) Decode(v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", req.Command, err)
	}
	return nil
}

// IssueParams names one issue.
type IssueParams struct {
	IssueID string `json:"issue_id"`
}

// SkipParams selects the worker to skip; empty means every worker.
type SkipParams struct {
	WorkerID string `json:"worker_id,omitempty"`
}

// RefactorParams carries a reviewer's refactor request.
type RefactorParams struct {
	IssueID string `json:"issue_id"`
	Reason  string `json:"reason"`
}

// LockParams names a path and the lock owner.
type LockParams struct {
	Path  string `json:"path,omitempty"`
	Owner string `json:"owner"`
}

// QueueAddResult lists the ids enqueued by queue.add.
type QueueAddResult struct {
	Added []string `json:"added"`
}

// StopResult reports whether the workers exited before the server gave up
// waiting. The stop proceeds either way.
type StopResult struct {
	Stopped bool `json:"stopped"`
}

// RefreshResult lists issues dropped because they were closed.
type RefreshResult struct {
	Removed []string `json:"removed"`
}

// ReleaseAllResult lists the paths released by lock.release_all.
type ReleaseAllResult struct {
	Released []string `json:"released"`
}
