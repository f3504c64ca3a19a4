package ipc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrapOpenRoundtrip(t *testing.T) {
	stepNum := 2
	totalSteps := 5

	cases := []struct {
		name string
		msg  any
	}{
		{"execute_task", &ExecuteTask{
			Type:     TypeExecuteTask,
			JobID:    42,
			TaskID:   7,
			TaskPath: "/tasks/addition",
			Input:    json.RawMessage(`{"num1":5,"num2":3}`),
			ExecutionContext: ExecutionContext{
				ExecutionUUID: "e-1",
				JobUUID:       "j-1",
				TaskName:      "addition",
				TaskVersion:   "1.0.0",
			},
			CorrelationID: NewCorrelationID(),
		}},
		{"validate_task", &ValidateTask{Type: TypeValidateTask, TaskPath: "/tasks/addition", CorrelationID: NewCorrelationID()}},
		{"ping", &Ping{Type: TypePing, CorrelationID: NewCorrelationID()}},
		{"shutdown", &Shutdown{Type: TypeShutdown}},
		{"ready", &Ready{Type: TypeReady, WorkerID: "w-1"}},
		{"task_result", &TaskResult{
			Type:          TypeTaskResult,
			JobID:         42,
			CorrelationID: NewCorrelationID(),
			Result: TaskOutcome{
				Success:     true,
				Output:      json.RawMessage(`{"result":8}`),
				StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
				CompletedAt: time.Now().UTC().Truncate(time.Millisecond),
				DurationMs:  12,
			},
		}},
		{"validation_result", &ValidationResult{
			Type:          TypeValidationResult,
			CorrelationID: NewCorrelationID(),
			Result:        ValidationOutcome{Valid: false, Errors: []string{"missing input schema"}},
		}},
		{"pong", &Pong{
			Type:          TypePong,
			CorrelationID: NewCorrelationID(),
			Status:        WorkerStatus{TasksExecuted: 9, TasksFailed: 1, LastActivity: time.Now().UTC().Truncate(time.Second)},
		}},
		{"error", &WorkerError{Type: TypeError, CorrelationID: NewCorrelationID(), Error: "loader failure"}},
		{"progress", &Progress{
			Type:          TypeProgress,
			CorrelationID: NewCorrelationID(),
			ExecutionUUID: "e-1",
			Progress:      0.4,
			Step:          "transform",
			StepNumber:    &stepNum,
			TotalSteps:    &totalSteps,
			Message:       "transforming rows",
			Data:          json.RawMessage(`{"rows":120}`),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Wrap(tc.msg)
			require.NoError(t, err)
			require.Equal(t, uint32(ProtocolVersion), env.ProtocolVersion)

			got, err := Open(env)
			require.NoError(t, err)
			require.Equal(t, tc.msg, got)
		})
	}
}

func TestOpenVersionMismatchIsFatal(t *testing.T) {
	env, err := Wrap(&Ping{Type: TypePing, CorrelationID: "c1"})
	require.NoError(t, err)

	env.ProtocolVersion = 99
	_, err = Open(env)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestOpenUnknownType(t *testing.T) {
	env := Envelope{
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UTC(),
		Message:         json.RawMessage(`{"type":"frobnicate","correlation_id":"c9"}`),
	}
	_, err := Open(env)
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestOpenIgnoresUnknownFields(t *testing.T) {
	env := Envelope{
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UTC(),
		Message:         json.RawMessage(`{"type":"ping","correlation_id":"c1","future_field":true}`),
	}
	msg, err := Open(env)
	require.NoError(t, err)

	ping, ok := msg.(*Ping)
	require.True(t, ok)
	require.Equal(t, "c1", ping.CorrelationID)
}

func TestCorrelationOf(t *testing.T) {
	require.Equal(t, "c1", CorrelationOf(&Ping{CorrelationID: "c1"}))
	require.Equal(t, "c2", CorrelationOf(&WorkerError{CorrelationID: "c2"}))
	require.Equal(t, "", CorrelationOf(&Shutdown{}))
	require.Equal(t, "", CorrelationOf(&Ready{WorkerID: "w"}))
}
