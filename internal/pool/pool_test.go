package pool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/xerrors"
)

// TestHelperWorker is not a real test: the pool tests re-exec the test
// binary with GO_WANT_WORKER=1 so a genuine OS process speaks the framed
// protocol on stdio.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("GO_WANT_WORKER") != "1" {
		return
	}

	writer := ipc.NewFrameWriter(os.Stdout)
	reader := ipc.NewFrameReader(os.Stdin)

	_ = writer.WriteMessage(&ipc.Ready{Type: ipc.TypeReady, WorkerID: os.Getenv("RATCHET_WORKER_ID")})

	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			if errors.Is(err, io.EOF) {
				os.Exit(0)
			}
			os.Exit(1)
		}

		msg, err := ipc.Open(env)
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case *ipc.Shutdown:
			os.Exit(0)

		case *ipc.Ping:
			_ = writer.WriteMessage(&ipc.Pong{
				Type:          ipc.TypePong,
				CorrelationID: m.CorrelationID,
				Status:        ipc.WorkerStatus{LastActivity: time.Now().UTC()},
			})

		case *ipc.ExecuteTask:
			var input struct {
				Mode    string `json:"mode"`
				SleepMs int    `json:"sleep_ms"`
			}
			_ = json.Unmarshal(m.Input, &input)

			switch input.Mode {
			case "crash":
				os.Exit(3)
			case "sleep":
				time.Sleep(time.Duration(input.SleepMs) * time.Millisecond)
			case "progress":
				_ = writer.WriteMessage(&ipc.Progress{
					Type:          ipc.TypeProgress,
					CorrelationID: m.CorrelationID,
					ExecutionUUID: m.ExecutionContext.ExecutionUUID,
					Progress:      0.5,
					Step:          "halfway",
				})
			}

			_ = writer.WriteMessage(&ipc.TaskResult{
				Type:          ipc.TypeTaskResult,
				JobID:         m.JobID,
				CorrelationID: m.CorrelationID,
				Result: ipc.TaskOutcome{
					Success: input.Mode != "fail",
					Output:  m.Input,
				},
			})
		}
	}
}

func workerCommand() []string {
	return []string{os.Args[0], "-test.run=TestHelperWorker"}
}

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()

	cfg.WorkerCommand = workerCommand()
	p := New(cfg)

	t.Setenv("GO_WANT_WORKER", "1")
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	// wait for workers to report ready
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		idle := 0
		for _, s := range p.Stats() {
			if s.State == string(stateIdle) {
				idle++
			}
		}
		if idle >= cfg.WorkerCount || (cfg.WorkerCount == 0 && idle >= 1) {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("workers never became ready")
	return nil
}

func execMsg(mode string) *ipc.ExecuteTask {
	input, _ := json.Marshal(map[string]any{"mode": mode})
	return &ipc.ExecuteTask{
		Type:          ipc.TypeExecuteTask,
		JobID:         1,
		TaskID:        1,
		Input:         input,
		CorrelationID: ipc.NewCorrelationID(),
	}
}

func TestSendTaskRoundtrip(t *testing.T) {
	p := startPool(t, Config{WorkerCount: 1, TaskTimeout: 5 * time.Second})

	msg := execMsg("echo")
	res, err := p.SendTask(context.Background(), msg, 5*time.Second)
	require.NoError(t, err)

	tr, ok := res.(*ipc.TaskResult)
	require.True(t, ok)
	require.Equal(t, msg.CorrelationID, tr.CorrelationID)
	require.True(t, tr.Result.Success)
}

func TestSendTaskFailureResult(t *testing.T) {
	p := startPool(t, Config{WorkerCount: 1, TaskTimeout: 5 * time.Second})

	res, err := p.SendTask(context.Background(), execMsg("fail"), 5*time.Second)
	require.NoError(t, err)
	require.False(t, res.(*ipc.TaskResult).Result.Success)
}

func TestProgressRouted(t *testing.T) {
	progressCh := make(chan *ipc.Progress, 4)

	cfg := Config{WorkerCount: 1, TaskTimeout: 5 * time.Second, WorkerCommand: workerCommand()}
	p := New(cfg)
	p.OnProgress(func(pr *ipc.Progress) { progressCh <- pr })

	t.Setenv("GO_WANT_WORKER", "1")
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	time.Sleep(200 * time.Millisecond)

	msg := execMsg("progress")
	_, err := p.SendTask(context.Background(), msg, 5*time.Second)
	require.NoError(t, err)

	select {
	case pr := <-progressCh:
		require.Equal(t, 0.5, pr.Progress)
		require.Equal(t, "halfway", pr.Step)
	case <-time.After(time.Second):
		t.Fatal("no progress update routed")
	}
}

func TestSendTaskTimeoutDropsLateReply(t *testing.T) {
	p := startPool(t, Config{WorkerCount: 1, TaskTimeout: 5 * time.Second})

	input, _ := json.Marshal(map[string]any{"mode": "sleep", "sleep_ms": 500})
	slow := &ipc.ExecuteTask{
		Type:          ipc.TypeExecuteTask,
		Input:         input,
		CorrelationID: ipc.NewCorrelationID(),
	}

	_, err := p.SendTask(context.Background(), slow, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrReplyTimeout)

	// the late reply is dropped and the worker is reusable afterwards
	time.Sleep(600 * time.Millisecond)
	_, err = p.SendTask(context.Background(), execMsg("echo"), 5*time.Second)
	require.NoError(t, err)
}

func TestWorkerCrashIsTransientAndRestarts(t *testing.T) {
	p := startPool(t, Config{
		WorkerCount:        1,
		TaskTimeout:        5 * time.Second,
		RestartOnCrash:     true,
		MaxRestartAttempts: 3,
		RestartDelay:       50 * time.Millisecond,
	})

	_, err := p.SendTask(context.Background(), execMsg("crash"), 5*time.Second)
	require.Error(t, err)
	require.True(t, xerrors.IsTransient(err))

	// a replacement worker takes over within the restart delay
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := p.SendTask(context.Background(), execMsg("echo"), time.Second); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("pool never recovered after crash")
}

func TestConcurrentDispatch(t *testing.T) {
	p := startPool(t, Config{WorkerCount: 2, TaskTimeout: 5 * time.Second})

	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := p.SendTask(context.Background(), execMsg("echo"), 5*time.Second)
			errCh <- err
		}()
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, <-errCh)
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	p := startPool(t, Config{WorkerCount: 1, TaskTimeout: time.Second})
	p.Stop()

	_, err := p.SendTask(context.Background(), execMsg("echo"), time.Second)
	require.ErrorIs(t, err, ErrPoolStopped)
}
