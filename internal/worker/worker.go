package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ratchetd/ratchet/internal/domain/task"
	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/taskcache"
)

type Config struct {
	ID           string
	CacheEntries int
	CacheBytes   int
}

// Worker is the single-threaded loop at the far end of the stdio transport.
// It serves one request at a time: ready on startup, then task execution,
// validation, and pings until shutdown or stream close.
type Worker struct {
	cfg     Config
	loader  Loader
	runtime *Runtime
	cache   *taskcache.Cache
	status  statusCounters

	reader *ipc.FrameReader
	writer *ipc.FrameWriter
}

func New(cfg Config, loader Loader, in io.Reader, out io.Writer) (*Worker, error) {
	if cfg.ID == "" {
		cfg.ID = "worker-" + strconv.Itoa(os.Getpid())
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 64
	}
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = 32 << 20
	}

	cache, err := taskcache.New(cfg.CacheEntries, cfg.CacheBytes)
	if err != nil {
		return nil, err
	}

	return &Worker{
		cfg:     cfg,
		loader:  loader,
		runtime: NewRuntime(),
		cache:   cache,
		reader:  ipc.NewFrameReader(in),
		writer:  ipc.NewFrameWriter(out),
	}, nil
}

// Run serves until shutdown. A transport write failure is unrecoverable and
// returned to the caller, which exits non-zero so the pool respawns.
func (w *Worker) Run() error {
	if err := w.writer.WriteMessage(&ipc.Ready{Type: ipc.TypeReady, WorkerID: w.cfg.ID}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	log.Printf("worker ready id=%s pid=%d", w.cfg.ID, os.Getpid())

	for {
		env, err := w.reader.ReadEnvelope()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		msg, err := ipc.Open(env)
		if err != nil {
			if errors.Is(err, ipc.ErrVersionMismatch) {
				// fatal: close the connection with a recorded error
				_ = w.writer.WriteMessage(&ipc.WorkerError{Type: ipc.TypeError, Error: err.Error()})
				return err
			}
			// unknown variants get an error bound to the correlation id when
			// one can be recovered from the raw message
			corr := rawCorrelation(env)
			if werr := w.writer.WriteMessage(&ipc.WorkerError{
				Type:          ipc.TypeError,
				CorrelationID: corr,
				Error:         err.Error(),
			}); werr != nil {
				return fmt.Errorf("send error reply: %w", werr)
			}
			continue
		}

		switch m := msg.(type) {
		case *ipc.Shutdown:
			log.Printf("worker shutdown id=%s", w.cfg.ID)
			return nil

		case *ipc.Ping:
			w.status.touch()
			if err := w.writer.WriteMessage(&ipc.Pong{
				Type:          ipc.TypePong,
				CorrelationID: m.CorrelationID,
				Status:        w.status.snapshot(),
			}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}

		case *ipc.ValidateTask:
			if err := w.handleValidate(m); err != nil {
				return err
			}

		case *ipc.ExecuteTask:
			if err := w.handleExecute(m); err != nil {
				return err
			}

		default:
			corr := ipc.CorrelationOf(msg)
			if err := w.writer.WriteMessage(&ipc.WorkerError{
				Type:          ipc.TypeError,
				CorrelationID: corr,
				Error:         "unexpected message for worker",
			}); err != nil {
				return fmt.Errorf("send error reply: %w", err)
			}
		}
	}
}

func (w *Worker) resolve(taskPath string) (task.Task, error) {
	if t, ok := w.cache.Get(taskPath); ok {
		return t, nil
	}

	t, err := w.loader.Load(taskPath)
	if err != nil {
		return task.Task{}, err
	}

	w.cache.Put(taskPath, t)
	return t, nil
}

func (w *Worker) handleValidate(m *ipc.ValidateTask) error {
	t, err := w.resolve(m.TaskPath)
	if err != nil {
		return w.writer.WriteMessage(&ipc.ValidationResult{
			Type:          ipc.TypeValidationResult,
			CorrelationID: m.CorrelationID,
			Result:        ipc.ValidationOutcome{Valid: false, Errors: []string{err.Error()}},
		})
	}

	errs := w.runtime.Validate(t)
	return w.writer.WriteMessage(&ipc.ValidationResult{
		Type:          ipc.TypeValidationResult,
		CorrelationID: m.CorrelationID,
		Result:        ipc.ValidationOutcome{Valid: len(errs) == 0, Errors: errs},
	})
}

func (w *Worker) handleExecute(m *ipc.ExecuteTask) error {
	t, err := w.resolve(m.TaskPath)
	if err != nil {
		// loader failures are protocol-level errors, not task results
		w.status.recordExecution(true)
		return w.writer.WriteMessage(&ipc.WorkerError{
			Type:          ipc.TypeError,
			CorrelationID: m.CorrelationID,
			Error:         err.Error(),
		})
	}

	onProgress := func(progress float64, step, message string, data json.RawMessage) {
		_ = w.writer.WriteMessage(&ipc.Progress{
			Type:          ipc.TypeProgress,
			CorrelationID: m.CorrelationID,
			ExecutionUUID: m.ExecutionContext.ExecutionUUID,
			Progress:      progress,
			Step:          step,
			Message:       message,
			Data:          data,
		})
	}

	started := time.Now().UTC()
	output, execErr := w.runtime.Execute(t, m.Input, onProgress)
	completed := time.Now().UTC()

	outcome := ipc.TaskOutcome{
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}

	if execErr != nil {
		w.status.recordExecution(true)

		var guest *GuestError
		if errors.As(execErr, &guest) {
			outcome.Success = false
			outcome.ErrorMessage = guest.Message
			outcome.ErrorDetails = guest.Details
		} else {
			outcome.Success = false
			outcome.ErrorMessage = execErr.Error()
		}
	} else {
		w.status.recordExecution(false)
		outcome.Success = true
		outcome.Output = output
	}

	return w.writer.WriteMessage(&ipc.TaskResult{
		Type:          ipc.TypeTaskResult,
		JobID:         m.JobID,
		CorrelationID: m.CorrelationID,
		Result:        outcome,
	})
}

// rawCorrelation best-effort extracts a correlation id from an envelope the
// typed decoder rejected.
func rawCorrelation(env ipc.Envelope) string {
	var probe struct {
		CorrelationID string `json:"correlation_id"`
	}
	_ = json.Unmarshal(env.Message, &probe)
	return probe.CorrelationID
}
