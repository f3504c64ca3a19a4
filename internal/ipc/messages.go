package ipc

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

var (
	ErrVersionMismatch    = errors.New("ipc protocol version mismatch")
	ErrUnknownMessageType = errors.New("unknown ipc message type")
	ErrInvalidEnvelope    = errors.New("invalid ipc envelope")
)

// message type tags, part of the wire contract

const (
	// coordinator -> worker
	TypeExecuteTask  = "execute_task"
	TypeValidateTask = "validate_task"
	TypePing         = "ping"
	TypeShutdown     = "shutdown"

	// worker -> coordinator
	TypeReady            = "ready"
	TypeTaskResult       = "task_result"
	TypeValidationResult = "validation_result"
	TypePong             = "pong"
	TypeError            = "error"
	TypeProgress         = "progress"
)

// Envelope wraps every message in both directions.
type Envelope struct {
	ProtocolVersion uint32          `json:"protocol_version"`
	Timestamp       time.Time       `json:"timestamp"`
	Message         json.RawMessage `json:"message"`
}

// header is decoded first to learn the variant.
type header struct {
	Type string `json:"type"`
}

// ExecutionContext travels with an execute request so the worker can tag
// progress and logs.
type ExecutionContext struct {
	ExecutionUUID string `json:"execution_uuid"`
	JobUUID       string `json:"job_uuid,omitempty"`
	TaskName      string `json:"task_name"`
	TaskVersion   string `json:"task_version,omitempty"`
}

type ExecuteTask struct {
	Type             string           `json:"type"`
	JobID            int64            `json:"job_id"`
	TaskID           int64            `json:"task_id"`
	TaskPath         string           `json:"task_path"`
	Input            json.RawMessage  `json:"input"`
	ExecutionContext ExecutionContext `json:"execution_context"`
	CorrelationID    string           `json:"correlation_id"`
}

type ValidateTask struct {
	Type          string `json:"type"`
	TaskPath      string `json:"task_path"`
	CorrelationID string `json:"correlation_id"`
}

type Ping struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
}

type Shutdown struct {
	Type string `json:"type"`
}

type Ready struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
}

// TaskOutcome is the terminal payload of a task_result.
type TaskOutcome struct {
	Success      bool            `json:"success"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
	DurationMs   int64           `json:"duration_ms"`
}

type TaskResult struct {
	Type          string      `json:"type"`
	JobID         int64       `json:"job_id"`
	CorrelationID string      `json:"correlation_id"`
	Result        TaskOutcome `json:"result"`
}

type ValidationOutcome struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

type ValidationResult struct {
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlation_id"`
	Result        ValidationOutcome `json:"result"`
}

// WorkerStatus is the pong payload: liveness plus activity counters.
type WorkerStatus struct {
	TasksExecuted uint64    `json:"tasks_executed"`
	TasksFailed   uint64    `json:"tasks_failed"`
	LastActivity  time.Time `json:"last_activity"`
}

type Pong struct {
	Type          string       `json:"type"`
	CorrelationID string       `json:"correlation_id"`
	Status        WorkerStatus `json:"status"`
}

type WorkerError struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Error         string `json:"error"`
}

type Progress struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	ExecutionUUID string          `json:"execution_id"`
	Progress      float64         `json:"progress"`
	Step          string          `json:"step,omitempty"`
	StepNumber    *int            `json:"step_number,omitempty"`
	TotalSteps    *int            `json:"total_steps,omitempty"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewCorrelationID issues the UUID attached to each request envelope.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Wrap serializes a typed message into a versioned envelope.
func Wrap(msg any) (Envelope, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UTC(),
		Message:         raw,
	}, nil
}

// Open decodes the envelope's message into its concrete variant. A version
// mismatch is fatal for the connection; an unknown type is reported so the
// receiver can answer with an error envelope bound to the correlation id.
func Open(env Envelope) (any, error) {
	if env.ProtocolVersion != ProtocolVersion {
		return nil, ErrVersionMismatch
	}
	if len(env.Message) == 0 {
		return nil, ErrInvalidEnvelope
	}

	var h header
	if err := json.Unmarshal(env.Message, &h); err != nil {
		return nil, ErrInvalidEnvelope
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(env.Message, v); err != nil {
			return nil, ErrInvalidEnvelope
		}
		return v, nil
	}

	switch h.Type {
	case TypeExecuteTask:
		return decode(&ExecuteTask{})
	case TypeValidateTask:
		return decode(&ValidateTask{})
	case TypePing:
		return decode(&Ping{})
	case TypeShutdown:
		return decode(&Shutdown{})
	case TypeReady:
		return decode(&Ready{})
	case TypeTaskResult:
		return decode(&TaskResult{})
	case TypeValidationResult:
		return decode(&ValidationResult{})
	case TypePong:
		return decode(&Pong{})
	case TypeError:
		return decode(&WorkerError{})
	case TypeProgress:
		return decode(&Progress{})
	default:
		return nil, ErrUnknownMessageType
	}
}

// CorrelationOf pulls the correlation id out of an already-opened message,
// empty when the variant carries none.
func CorrelationOf(msg any) string {
	switch m := msg.(type) {
	case *ExecuteTask:
		return m.CorrelationID
	case *ValidateTask:
		return m.CorrelationID
	case *Ping:
		return m.CorrelationID
	case *TaskResult:
		return m.CorrelationID
	case *ValidationResult:
		return m.CorrelationID
	case *Pong:
		return m.CorrelationID
	case *WorkerError:
		return m.CorrelationID
	case *Progress:
		return m.CorrelationID
	default:
		return ""
	}
}
