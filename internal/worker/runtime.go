package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/ratchetd/ratchet/internal/domain/task"
)

var ErrNotAFunction = errors.New("task source does not evaluate to a function")

// ProgressFunc receives the guest's setProgress calls while a task runs.
type ProgressFunc func(progress float64, step string, message string, data json.RawMessage)

// GuestError is a JavaScript exception surfaced as a failed task result
// rather than a protocol error.
type GuestError struct {
	Message string
	Details json.RawMessage
}

func (e *GuestError) Error() string { return e.Message }

// Runtime evaluates a task's JavaScript in a fresh goja VM per call. Task
// sources are expressions evaluating to a function of one argument, e.g.
//
//	(function(input){ return {result: input.num1 + input.num2}; })
type Runtime struct{}

func NewRuntime() *Runtime {
	return &Runtime{}
}

func (r *Runtime) Execute(t task.Task, input json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if onProgress != nil {
		err := vm.Set("setProgress", func(call goja.FunctionCall) goja.Value {
			progress := call.Argument(0).ToFloat()

			var step, message string
			var data json.RawMessage

			if opts, ok := call.Argument(1).Export().(map[string]any); ok {
				if v, ok := opts["step"].(string); ok {
					step = v
				}
				if v, ok := opts["message"].(string); ok {
					message = v
				}
				if v, ok := opts["data"]; ok {
					if raw, err := json.Marshal(v); err == nil {
						data = raw
					}
				}
			}

			onProgress(progress, step, message, data)
			return goja.Undefined()
		})
		if err != nil {
			return nil, fmt.Errorf("install setProgress: %w", err)
		}
	}

	value, err := vm.RunScript(t.Name, t.Source.Code)
	if err != nil {
		return nil, guestOrLoadError(err)
	}

	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, ErrNotAFunction
	}

	var parsed any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			return nil, fmt.Errorf("task input is not valid JSON: %w", err)
		}
	}

	result, err := fn(goja.Undefined(), vm.ToValue(parsed))
	if err != nil {
		return nil, guestOrLoadError(err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return json.RawMessage("null"), nil
	}

	output, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("task output is not serializable: %w", err)
	}
	return output, nil
}

// Validate checks that the source parses and evaluates to a function.
func (r *Runtime) Validate(t task.Task) []string {
	vm := goja.New()
	_ = vm.Set("setProgress", func(goja.FunctionCall) goja.Value { return goja.Undefined() })

	value, err := vm.RunScript(t.Name, t.Source.Code)
	if err != nil {
		return []string{err.Error()}
	}
	if _, ok := goja.AssertFunction(value); !ok {
		return []string{ErrNotAFunction.Error()}
	}
	return nil
}

func guestOrLoadError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		details, _ := json.Marshal(map[string]string{"stack": exc.String()})
		return &GuestError{
			Message: exc.Error(),
			Details: details,
		}
	}
	return err
}
