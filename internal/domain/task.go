package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// TaskKind identifies the kind of message exchanged between the controller
// and the worker. The set is closed.
type TaskKind string

// Call kinds, sent controller -> worker.
const (
	KindReload            TaskKind = "reload"
	KindGenerate          TaskKind = "generate"
	KindRuntimeStatsText  TaskKind = "runtimeStatsText"
	KindInterruptGenerate TaskKind = "interruptGenerate"
	KindUnload            TaskKind = "unload"
	KindResetChat         TaskKind = "resetChat"
)

// Reply kinds, sent worker -> controller.
const (
	KindReturn           TaskKind = "return"
	KindThrow            TaskKind = "throw"
	KindInitProgress     TaskKind = "initProgress"
	KindGenerateProgress TaskKind = "generateProgress"
)

// IsCall reports whether k is one of the call kinds.
func (k TaskKind) IsCall() bool {
	switch k {
	case KindReload, KindGenerate, KindRuntimeStatsText, KindInterruptGenerate, KindUnload, KindResetChat:
		return true
	}
	return false
}

// IsTerminal reports whether k settles a call.
func (k TaskKind) IsTerminal() bool {
	return k == KindReturn || k == KindThrow
}

// Valid reports whether k belongs to the closed set of kinds.
func (k TaskKind) Valid() bool {
	return k.IsCall() || k.IsTerminal() || k == KindInitProgress || k == KindGenerateProgress
}

// TaskError is the structured error carried by a throw message.
type TaskError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// TaskMessage is the envelope exchanged across the isolation boundary.
// Which fields are set depends on Kind:
//
//	call:             ID, Payload
//	return:           ID, Result
//	throw:            ID, Error
//	initProgress:     Content
//	generateProgress: ID, Content
type TaskMessage struct {
	Kind    TaskKind        `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *TaskError      `json:"error,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ReloadParams is the payload of a reload call.
type ReloadParams struct {
	ModelID     string       `json:"modelId"`
	ChatOptions *ChatOptions `json:"chatOpts,omitempty"`
	AppConfig   *AppConfig   `json:"appConfig,omitempty"`
}

// GenerateParams is the payload of a generate call.
type GenerateParams struct {
	Input          string `json:"input"`
	StreamInterval int    `json:"streamInterval,omitempty"`
}

// GenerateProgress is the content of a generateProgress message.
type GenerateProgress struct {
	Step           int    `json:"step"`
	CurrentMessage string `json:"currentMessage"`
}

var jsonNull = json.RawMessage("null")

// NewCallMessage builds a call message. A nil payload is encoded as JSON null.
func NewCallMessage(kind TaskKind, id string, payload any) (TaskMessage, error) {
	if !kind.IsCall() {
		return TaskMessage{}, NewDomainError("NewCallMessage", ErrUnknownKind, string(kind))
	}
	raw, err := marshalOrNull(payload)
	if err != nil {
		return TaskMessage{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return TaskMessage{Kind: kind, ID: id, Payload: raw}, nil
}

// NewReturnMessage builds the successful terminal reply for id.
func NewReturnMessage(id string, result any) (TaskMessage, error) {
	raw, err := marshalOrNull(result)
	if err != nil {
		return TaskMessage{}, fmt.Errorf("marshal result: %w", err)
	}
	return TaskMessage{Kind: KindReturn, ID: id, Result: raw}, nil
}

// NewThrowMessage builds the failed terminal reply for id from err.
func NewThrowMessage(id string, err error) TaskMessage {
	return TaskMessage{Kind: KindThrow, ID: id, Error: ToTaskError(err)}
}

// NewInitProgressMessage wraps an init report. It carries no id.
func NewInitProgressMessage(report InitProgressReport) TaskMessage {
	raw, _ := json.Marshal(report)
	return TaskMessage{Kind: KindInitProgress, Content: raw}
}

// NewGenerateProgressMessage wraps one generation step for call id.
func NewGenerateProgressMessage(id string, step int, currentMessage string) TaskMessage {
	raw, _ := json.Marshal(GenerateProgress{Step: step, CurrentMessage: currentMessage})
	return TaskMessage{Kind: KindGenerateProgress, ID: id, Content: raw}
}

// Validate checks the envelope shape required by Kind.
func (m TaskMessage) Validate() error {
	switch {
	case m.Kind.IsCall():
		if m.ID == "" {
			return NewDomainError("TaskMessage.Validate", ErrProtocol, "call without id")
		}
	case m.Kind == KindReturn, m.Kind == KindGenerateProgress:
		if m.ID == "" {
			return NewDomainError("TaskMessage.Validate", ErrProtocol, string(m.Kind)+" without id")
		}
	case m.Kind == KindThrow:
		if m.ID == "" || m.Error == nil {
			return NewDomainError("TaskMessage.Validate", ErrProtocol, "throw without id or error")
		}
	case m.Kind == KindInitProgress:
	default:
		return NewDomainError("TaskMessage.Validate", ErrUnknownKind, string(m.Kind))
	}
	return nil
}

// DecodePayload unmarshals the call payload into v.
func (m TaskMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return NewDomainError("TaskMessage.DecodePayload", ErrInvalidPayload, "missing payload")
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return NewDomainError("TaskMessage.DecodePayload", ErrInvalidPayload, err.Error())
	}
	return nil
}

func marshalOrNull(v any) (json.RawMessage, error) {
	if v == nil {
		return jsonNull, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return jsonNull, nil
		}
		return raw, nil
	}
	return json.Marshal(v)
}

// TaskPort is an ordered, reliable, duplex message channel between the
// controller and worker contexts. Messages are copied, never shared.
// Send may be called from multiple goroutines; Recv from one.
// Recv returns io.EOF once the peer has closed and all buffered messages have
// been delivered.
type TaskPort interface {
	Send(ctx context.Context, msg TaskMessage) error
	Recv(ctx context.Context) (TaskMessage, error)
	Close() error
}
