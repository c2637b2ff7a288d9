package worker

import "lossly-go/internal/task"

// MessageType tags every message crossing the worker boundary.
type MessageType string

const (
	TypeCompress MessageType = "compress"
	TypeProgress MessageType = "progress"
	TypeComplete MessageType = "task-complete"
	TypeError    MessageType = "task-error"
	TypeLog      MessageType = "log"
)

// Error codes carried by task-error messages.
const (
	CodeInvalidInput = "invalid_input"
	CodeFailed       = "failed"
)

// Request asks a worker to run one task.
type Request struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"taskId"`
	Data   RequestData `json:"data"`
}

// RequestData is the payload of a compress request.
type RequestData struct {
	InputPath string        `json:"inputPath"`
	Settings  task.Settings `json:"settings"`
}

// NewRequest builds a compress request for t.
func NewRequest(t task.Task) Request {
	return Request{
		Type:   TypeCompress,
		TaskID: t.ID,
		Data:   RequestData{InputPath: t.InputPath, Settings: t.Settings},
	}
}

// Message is emitted by a worker: zero or more progress messages, then
// exactly one task-complete or task-error per request.
type Message struct {
	Type     MessageType  `json:"type"`
	TaskID   string       `json:"taskId,omitempty"`
	Progress int          `json:"progress,omitempty"`
	Result   *task.Result `json:"result,omitempty"`
	Error    *ErrorInfo   `json:"error,omitempty"`
	Log      string       `json:"message,omitempty"`
}

// ErrorInfo describes a task failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// Terminal reports whether m ends a task.
func (m Message) Terminal() bool {
	return m.Type == TypeComplete || m.Type == TypeError
}
