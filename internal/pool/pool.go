package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/xerrors"
)

var (
	ErrPoolStopped   = errors.New("worker pool is stopped")
	ErrNoIdleWorker  = errors.New("no idle worker available")
	ErrReplyTimeout  = errors.New("timed out waiting for worker reply")
	ErrWorkerCrashed = errors.New("worker process exited")
)

type Config struct {
	WorkerCount         int
	WorkerCommand       []string // argv of the worker binary
	TaskTimeout         time.Duration
	RestartOnCrash      bool
	MaxRestartAttempts  int
	RestartDelay        time.Duration
	HealthCheckInterval time.Duration
	WorkerIdleTimeout   time.Duration // 0 disables idle recycling
	ShutdownGrace       time.Duration
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 3
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

type workerState string

const (
	stateStarting workerState = "starting"
	stateIdle     workerState = "idle"
	stateBusy     workerState = "busy"
	stateDead     workerState = "dead"
)

type workerProc struct {
	id           string
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	writer       *ipc.FrameWriter
	state        workerState
	lastHeartbeat time.Time
	lastDispatch time.Time
	restartCount int
	status       ipc.WorkerStatus
	done         chan struct{} // closed when the process is reaped
}

type reply struct {
	msg any
	err error
}

type inflight struct {
	workerID string
	ch       chan reply
}

type WorkerStat struct {
	ID            string           `json:"id"`
	PID           int              `json:"pid"`
	State         string           `json:"state"`
	LastHeartbeat time.Time        `json:"lastHeartbeat"`
	RestartCount  int              `json:"restartCount"`
	Status        ipc.WorkerStatus `json:"status"`
}

// Pool maintains worker_count healthy worker processes, routes requests to
// idle ones by correlation id, enforces timeouts, and restarts crashes.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	workers  map[string]*workerProc
	inflight map[string]*inflight // correlation id -> waiter
	rrSeq    int
	nextID   int
	stopped  bool

	idleNotify chan struct{}
	progressFn func(*ipc.Progress)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Pool {
	cfg.withDefaults()

	return &Pool{
		cfg:        cfg,
		workers:    make(map[string]*workerProc),
		inflight:   make(map[string]*inflight),
		idleNotify: make(chan struct{}, 1),
	}
}

// OnProgress installs the sink for worker progress envelopes. Must be called
// before Start.
func (p *Pool) OnProgress(fn func(*ipc.Progress)) {
	p.progressFn = fn
}

func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for i := 0; i < p.cfg.WorkerCount; i++ {
		if err := p.spawn(0); err != nil {
			p.Stop()
			return fmt.Errorf("spawn worker: %w", err)
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthLoop()
	}()

	slog.Default().InfoContext(ctx, "pool.started", "worker_count", p.cfg.WorkerCount)
	return nil
}

func (p *Pool) spawn(restartCount int) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.nextID++
	id := "worker-" + strconv.Itoa(p.nextID)
	p.mu.Unlock()

	if len(p.cfg.WorkerCommand) == 0 {
		return errors.New("pool: worker command not configured")
	}

	cmd := exec.Command(p.cfg.WorkerCommand[0], p.cfg.WorkerCommand[1:]...)
	cmd.Env = append(os.Environ(), "RATCHET_WORKER_ID="+id)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	w := &workerProc{
		id:            id,
		cmd:           cmd,
		stdin:         stdin,
		writer:        ipc.NewFrameWriter(stdin),
		state:         stateStarting,
		lastHeartbeat: time.Now(),
		lastDispatch:  time.Now(),
		restartCount:  restartCount,
		done:          make(chan struct{}),
	}

	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.readLoop(w, stdout)
	}()
	go func() {
		defer p.wg.Done()
		p.waitLoop(w)
	}()

	slog.Default().Info("pool.worker_spawned", "worker_id", id, "pid", cmd.Process.Pid, "restart_count", restartCount)
	return nil
}

// readLoop owns the worker's stdout and is the only place replies are routed.
func (p *Pool) readLoop(w *workerProc, stdout io.Reader) {
	reader := ipc.NewFrameReader(stdout)

	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Default().Warn("pool.read_failed", "worker_id", w.id, "err", err)
			}
			return
		}

		msg, err := ipc.Open(env)
		if err != nil {
			if errors.Is(err, ipc.ErrVersionMismatch) {
				// fatal for the connection
				slog.Default().Error("pool.protocol_mismatch", "worker_id", w.id)
				_ = w.cmd.Process.Kill()
				return
			}
			slog.Default().Warn("pool.bad_envelope", "worker_id", w.id, "err", err)
			continue
		}

		p.mu.Lock()
		w.lastHeartbeat = time.Now()
		p.mu.Unlock()

		switch m := msg.(type) {
		case *ipc.Ready:
			p.mu.Lock()
			if w.state == stateStarting {
				w.state = stateIdle
			}
			p.mu.Unlock()
			p.signalIdle()

		case *ipc.Progress:
			if p.progressFn != nil {
				p.progressFn(m)
			}

		case *ipc.Pong:
			p.mu.Lock()
			w.status = m.Status
			p.mu.Unlock()

		case *ipc.TaskResult, *ipc.ValidationResult, *ipc.WorkerError:
			p.route(w, msg)

		default:
			slog.Default().Warn("pool.unexpected_message", "worker_id", w.id)
		}
	}
}

// route hands a terminal reply to its waiter; a late reply whose correlation
// entry is gone is dropped.
func (p *Pool) route(w *workerProc, msg any) {
	corr := ipc.CorrelationOf(msg)

	p.mu.Lock()
	entry, ok := p.inflight[corr]
	if ok {
		delete(p.inflight, corr)
	}
	if w.state == stateBusy {
		w.state = stateIdle
	}
	p.mu.Unlock()

	p.signalIdle()

	if !ok {
		slog.Default().Warn("pool.late_reply_dropped", "worker_id", w.id, "correlation_id", corr)
		return
	}

	entry.ch <- reply{msg: msg}
}

// waitLoop reaps the process and turns a crash into transport errors for its
// in-flight correlations plus an optional restart.
func (p *Pool) waitLoop(w *workerProc) {
	err := w.cmd.Wait()
	close(w.done)

	p.mu.Lock()
	alreadyDead := w.state == stateDead
	w.state = stateDead
	stopped := p.stopped
	restartCount := w.restartCount

	var orphaned []*inflight
	for corr, entry := range p.inflight {
		if entry.workerID == w.id {
			delete(p.inflight, corr)
			orphaned = append(orphaned, entry)
		}
	}
	delete(p.workers, w.id)
	p.mu.Unlock()

	for _, entry := range orphaned {
		entry.ch <- reply{err: xerrors.Transient(xerrors.CodeWorkerCrashed,
			"worker exited before replying", ErrWorkerCrashed)}
	}

	if stopped || alreadyDead {
		return
	}

	slog.Default().Warn("pool.worker_exited", "worker_id", w.id, "err", err)

	if !p.cfg.RestartOnCrash {
		return
	}
	if restartCount >= p.cfg.MaxRestartAttempts {
		slog.Default().Error("pool.restart_cap_reached", "worker_id", w.id, "restarts", restartCount)
		return
	}

	select {
	case <-p.ctx.Done():
		return
	case <-time.After(p.cfg.RestartDelay):
	}

	if spawnErr := p.spawn(restartCount + 1); spawnErr != nil {
		slog.Default().Error("pool.respawn_failed", "err", spawnErr)
	}
}

func (p *Pool) signalIdle() {
	select {
	case p.idleNotify <- struct{}{}:
	default:
	}
}

// pickIdle selects an idle worker round-robin and marks it busy.
func (p *Pool) pickIdle() *workerProc {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.workers))
	for id, w := range p.workers {
		if w.state == stateIdle {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	// stable order so the rotation is deterministic
	sortStrings(ids)
	w := p.workers[ids[p.rrSeq%len(ids)]]
	p.rrSeq++
	w.state = stateBusy
	w.lastDispatch = time.Now()
	return w
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for k := i; k > 0 && ss[k] < ss[k-1]; k-- {
			ss[k], ss[k-1] = ss[k-1], ss[k]
		}
	}
}

// SendTask dispatches an execute or validate request and blocks for the
// terminal reply. The correlation id must already be set on the message.
func (p *Pool) SendTask(ctx context.Context, msg any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = p.cfg.TaskTimeout
	}

	corr := ipc.CorrelationOf(msg)
	if corr == "" {
		return nil, errors.New("pool: message carries no correlation id")
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// acquire an idle worker, waiting on the notify channel up to the
	// deadline
	var w *workerProc
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, ErrPoolStopped
		}
		p.mu.Unlock()

		if w = p.pickIdle(); w != nil {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %w", ErrNoIdleWorker, ErrReplyTimeout)
		case <-p.idleNotify:
		}
	}

	entry := &inflight{workerID: w.id, ch: make(chan reply, 1)}

	p.mu.Lock()
	p.inflight[corr] = entry
	p.mu.Unlock()

	if err := w.writer.WriteMessage(msg); err != nil {
		p.mu.Lock()
		delete(p.inflight, corr)
		w.state = stateDead
		p.mu.Unlock()
		_ = w.cmd.Process.Kill()
		return nil, xerrors.Transient(xerrors.CodeWorkerCrashed, "write to worker failed", err)
	}

	select {
	case r := <-entry.ch:
		return r.msg, r.err
	case <-ctx.Done():
		p.dropInflight(corr, w)
		return nil, ctx.Err()
	case <-deadline.C:
		p.dropInflight(corr, w)
		return nil, ErrReplyTimeout
	}
}

// dropInflight removes an expired correlation; the worker is suspect but
// left running, and its eventual reply will be logged and dropped.
func (p *Pool) dropInflight(corr string, w *workerProc) {
	p.mu.Lock()
	delete(p.inflight, corr)
	p.mu.Unlock()

	slog.Default().Warn("pool.reply_timeout", "worker_id", w.id, "correlation_id", corr)
}

// healthLoop pings idle workers; a worker silent for more than two intervals
// is terminated and replaced through the normal crash path.
func (p *Pool) healthLoop() {
	t := time.NewTicker(p.cfg.HealthCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
		}

		p.mu.Lock()
		var toPing []*workerProc
		var toKill []*workerProc
		for _, w := range p.workers {
			if w.state == stateDead {
				continue
			}
			if time.Since(w.lastHeartbeat) > 2*p.cfg.HealthCheckInterval {
				toKill = append(toKill, w)
				continue
			}
			// recycle long-idle workers so leaked guest state does not
			// accumulate
			if p.cfg.WorkerIdleTimeout > 0 && w.state == stateIdle &&
				time.Since(w.lastDispatch) > p.cfg.WorkerIdleTimeout {
				toKill = append(toKill, w)
				continue
			}
			if w.state == stateIdle {
				toPing = append(toPing, w)
			}
		}
		p.mu.Unlock()

		for _, w := range toKill {
			slog.Default().Warn("pool.worker_unresponsive", "worker_id", w.id)
			_ = w.cmd.Process.Kill()
		}

		for _, w := range toPing {
			ping := &ipc.Ping{Type: ipc.TypePing, CorrelationID: ipc.NewCorrelationID()}
			if err := w.writer.WriteMessage(ping); err != nil {
				slog.Default().Warn("pool.ping_failed", "worker_id", w.id, "err", err)
				_ = w.cmd.Process.Kill()
			}
		}
	}
}

// Stats snapshots every live worker.
func (p *Pool) Stats() []WorkerStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerStat, 0, len(p.workers))
	for _, w := range p.workers {
		pid := 0
		if w.cmd.Process != nil {
			pid = w.cmd.Process.Pid
		}
		out = append(out, WorkerStat{
			ID:            w.id,
			PID:           pid,
			State:         string(w.state),
			LastHeartbeat: w.lastHeartbeat,
			RestartCount:  w.restartCount,
			Status:        w.status,
		})
	}
	return out
}

// Stop shuts every worker down: a shutdown envelope first, then a force-kill
// for whatever survives the grace period.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	workers := make([]*workerProc, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	for _, w := range workers {
		_ = w.writer.WriteMessage(&ipc.Shutdown{Type: ipc.TypeShutdown})
		_ = w.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.done
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		for _, w := range workers {
			_ = w.cmd.Process.Kill()
		}
		<-done
	}

	slog.Default().Info("pool.stopped")
}
