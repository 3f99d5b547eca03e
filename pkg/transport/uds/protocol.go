package uds

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/modoterra/sractl/pkg/core"
)

var reqCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// UnmarshalData decodes the message payload into v.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload: %w", m.Method, core.ErrInvalidArgument)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w: %w", m.Method, core.ErrInvalidArgument, err)
	}
	return nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     fmt.Sprintf("req-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Data:   raw,
	}, nil
}

// NewErrorResponse creates an error response. The error kind travels in Code so
// clients can match it with errors.Is.
func NewErrorResponse(reqID, method string, err error) Message {
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Error:  err.Error(),
		Code:   codeOf(err),
	}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     fmt.Sprintf("evt-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"not_found", core.ErrNotFound},
	{"spawn", core.ErrSpawn},
	{"not_running", core.ErrNotRunning},
	{"invalid_argument", core.ErrInvalidArgument},
	{"io", core.ErrIO},
}

func codeOf(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Method  string
	Message string
	kind    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// Unwrap returns the error kind named by the response code, if any.
func (e *RemoteError) Unwrap() error {
	return e.kind
}

func remoteError(msg Message) *RemoteError {
	re := &RemoteError{Method: msg.Method, Message: msg.Error}
	for _, ec := range errorCodes {
		if ec.code == msg.Code {
			re.kind = ec.err
			break
		}
	}
	return re
}

// Methods
const (
	MethodPing          = "Ping"
	MethodWorkerStart   = "WorkerStart"
	MethodWorkerStop    = "WorkerStop"
	MethodWorkerRestart = "WorkerRestart"
	MethodWorkerStatus  = "WorkerStatus"
	MethodSendInput     = "SendInput"
	MethodTaskRun       = "TaskRun"
	MethodTaskStop      = "TaskStop"
	MethodLogsSnapshot  = "LogsSnapshot"
	MethodLogAppend     = "LogAppend"
	MethodStoreList     = "StoreList"
	MethodStoreGet      = "StoreGet"
	MethodStorePut      = "StorePut"
	MethodStoreDelete   = "StoreDelete"

	EventLogsEntry   = "logs.entry"
	EventWorkerState = "worker.state"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// OKResponse acknowledges a command.
type OKResponse struct {
	OK bool `json:"ok"`
}

// WorkerStartRequest is the payload for WorkerStart and WorkerRestart.
type WorkerStartRequest struct {
	Args string `json:"args,omitempty"`
}

// WorkerStatusResponse describes the worker.
type WorkerStatusResponse struct {
	State     core.ProcessState `json:"state"`
	PID       int               `json:"pid,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	LogFile   string            `json:"log_file,omitempty"`

	// Processes and RSSBytes cover the worker's whole process group.
	Processes int    `json:"processes,omitempty"`
	RSSBytes  uint64 `json:"rss_bytes,omitempty"`
}

// SendInputRequest is the payload for SendInput.
type SendInputRequest struct {
	Line string `json:"line"`
}

// TaskRunRequest is the payload for TaskRun.
type TaskRunRequest struct {
	Config string `json:"config,omitempty"`
}

// LogAppendRequest forwards a client-side log record. Unknown sources are
// recorded as frontend and unknown levels as info.
type LogAppendRequest struct {
	Source string `json:"source,omitempty"`
	Level  string `json:"level"`
	Text   string `json:"text"`
}

// StoreRequest addresses a stored value. Value is only used by StorePut.
type StoreRequest struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// StoreListResponse lists the names in a namespace.
type StoreListResponse struct {
	Names []string `json:"names"`
}

// StoreGetResponse carries a stored value.
type StoreGetResponse struct {
	Value json.RawMessage `json:"value"`
}

// WorkerStateEvent is pushed whenever the worker state changes.
type WorkerStateEvent struct {
	State core.ProcessState `json:"state"`
}
