// Package process runs command invocations as supervised, interruptible
// processes with short recyclable ids.
//
// Every submission passes one serialized gate (disabled check, rate limit,
// startup checks, per-user admission, argument parsing, pid allocation)
// before its body starts on its own goroutine. Bodies are cancelled through
// their context; context.Cause tells eviction, kill, timeout and shutdown
// apart. Blocking waits inside a body must select on ctx.Done() to be
// interruptible; CPU-bound loops are not cancelled promptly.
package process

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"procbot/internal/eventbus"
	"procbot/internal/ratelimit"
	rtsup "procbot/internal/runtime/supervisor"
	logx "procbot/pkg/logx"
)

type Config struct {
	MaxPerUser     int           // live processes per user; default 5
	MaxPID         int           // pids are drawn from [0, MaxPID]; default 999
	EvictGrace     time.Duration // wait for evicted processes to exit; default 1s
	DefaultTimeout time.Duration // 0 means no timeout
	Ratelimits     map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 5
	}
	if c.MaxPID <= 0 {
		c.MaxPID = 999
	}
	if c.EvictGrace <= 0 {
		c.EvictGrace = time.Second
	}
	return c
}

// ErrorHandler receives every failure of a submission: startup rejections,
// parse errors, body errors and panics.
type ErrorHandler func(ctx context.Context, req *Request, err error)

// DisabledFunc reports whether cmd may not run for req.
type DisabledFunc func(cmd *Command, req *Request) bool

type Options struct {
	Limiter      *ratelimit.Limiter
	Disabled     DisabledFunc
	Checks       []Check // run before the command's own checks
	ErrorHandler ErrorHandler
	Middleware   []Middleware
	Bus          eventbus.Bus
	Logger       logx.Logger
}

type Manager struct {
	log     logx.Logger
	limiter *ratelimit.Limiter
	bus     eventbus.Bus
	opts    Options

	cfgMu sync.RWMutex
	cfg   Config

	mu     sync.Mutex
	table  map[int]*Process
	cursor int
	seq    uint64

	runMu    sync.Mutex
	sup      *rtsup.Supervisor
	gate     chan gateJob
	stopping chan struct{}
}

type gateJob struct {
	ctx   context.Context
	cmd   *Command
	req   *Request
	reply chan gateResult
}

type gateResult struct {
	p   *Process
	err error
}

func New(cfg Config, opts Options) *Manager {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	return &Manager{
		log:     opts.Logger.With(logx.String("comp", "process")),
		limiter: opts.Limiter,
		bus:     opts.Bus,
		opts:    opts,
		cfg:     cfg.withDefaults(),
		table:   map[int]*Process{},
	}
}

// Apply swaps the reloadable settings. MaxPID changes take effect for new
// allocations only.
func (m *Manager) Apply(cfg Config) {
	m.cfgMu.Lock()
	m.cfg = cfg.withDefaults()
	m.cfgMu.Unlock()
}

func (m *Manager) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Limiter exposes the rate limiter shared by all commands.
func (m *Manager) Limiter() *ratelimit.Limiter { return m.limiter }

// Start launches the gate goroutine. Process bodies run under ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sup != nil {
		return nil
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.gate = make(chan gateJob, 64)
	m.stopping = make(chan struct{})
	gate, stopping := m.gate, m.stopping
	m.sup.Go0("process.gate", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case <-stopping:
				return
			case job := <-gate:
				p, err := m.admit(job)
				job.reply <- gateResult{p: p, err: err}
			}
		}
	})
	m.log.Info("process manager started", logx.Int("max_per_user", m.config().MaxPerUser), logx.Int("max_pid", m.config().MaxPID))
	return nil
}

// Submit runs cmd for req once it passes the gate. The returned error is
// also delivered to the ErrorHandler, except when ctx ends before admission;
// then the command never starts and ctx's error is returned.
func (m *Manager) Submit(ctx context.Context, cmd *Command, req *Request) (*Process, error) {
	m.runMu.Lock()
	gate, stopping := m.gate, m.stopping
	m.runMu.Unlock()
	if gate == nil {
		return nil, ErrNotRunning
	}

	select {
	case <-stopping:
		return nil, ErrShutdown
	default:
	}

	job := gateJob{ctx: ctx, cmd: cmd, req: req, reply: make(chan gateResult, 1)}
	select {
	case gate <- job:
	case <-stopping:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// Once queued, the gate's verdict is final: admit drops a job whose ctx
	// has ended, so a nil error always means the process is running.
	select {
	case res := <-job.reply:
		return res.p, res.err
	case <-stopping:
		select {
		case res := <-job.reply:
			return res.p, res.err
		default:
			return nil, ErrShutdown
		}
	}
}

func (m *Manager) admit(job gateJob) (*Process, error) {
	cmd, req := job.cmd, job.req
	if err := job.ctx.Err(); err != nil {
		return nil, err
	}
	cfg := m.config()
	if req.Logger.IsZero() {
		req.Logger = m.log
	}

	m.runMu.Lock()
	sup := m.sup
	m.runMu.Unlock()

	// Rejections are reported off the gate so a slow reply never delays admission.
	reject := func(err error) (*Process, error) {
		m.publish(eventbus.ProcessRejected, nil, req, 0, err)
		sup.Go0("process.reject", func(ctx context.Context) {
			m.handleError(ctx, req, err)
		})
		return nil, err
	}

	if m.opts.Disabled != nil && m.opts.Disabled(cmd, req) {
		return reject(ErrDisabled)
	}
	delay := m.ratelimitFor(cfg, cmd)
	if rem, limited := m.limiter.Check(cmd.bucket(delay), req.FromID); limited {
		return reject(&RateLimitedError{Command: cmd.Name, Remaining: rem})
	}
	for _, chk := range m.opts.Checks {
		if err := chk(job.ctx, cmd, req); err != nil {
			return reject(err)
		}
	}
	for _, chk := range cmd.Checks {
		if err := chk(job.ctx, cmd, req); err != nil {
			return reject(err)
		}
	}

	if err := m.evict(req.FromID, cfg); err != nil {
		return reject(err)
	}

	parsed, err := cmd.params().Parse(req.Raw)
	if err != nil {
		return reject(err)
	}
	req.Args = parsed
	// The submitter may have given up while eviction waited.
	if err := job.ctx.Err(); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancelCause(sup.Context())
	p := &Process{cmd: cmd, req: req, started: time.Now(), ctx: pctx, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	pid, ok := m.allocLocked(cfg.MaxPID)
	if !ok {
		m.mu.Unlock()
		cancel(ErrPIDExhausted)
		m.log.Error("process table saturated", logx.Int("max_pid", cfg.MaxPID), logx.Cmd(cmd.Name))
		return reject(ErrPIDExhausted)
	}
	m.seq++
	p.pid, p.seq = pid, m.seq
	m.table[pid] = p
	m.mu.Unlock()

	req.Process = p
	req.Logger = req.Logger.With(logx.PID(pid), logx.Cmd(cmd.Name))
	m.publish(eventbus.ProcessStarted, p, req, 0, nil)
	sup.Go("process."+strconv.Itoa(pid), func(context.Context) error {
		m.run(p, delay, cfg.DefaultTimeout)
		return nil
	})
	return p, nil
}

func (m *Manager) ratelimitFor(cfg Config, cmd *Command) time.Duration {
	if d, ok := cfg.Ratelimits[cmd.Name]; ok {
		return d
	}
	return cmd.Ratelimit
}

// evict interrupts the user's oldest processes until a new one fits under
// MaxPerUser, then waits for them to leave the table.
func (m *Manager) evict(user int64, cfg Config) error {
	m.mu.Lock()
	var live []*Process
	for _, p := range m.table {
		if p.req.FromID == user {
			live = append(live, p)
		}
	}
	m.mu.Unlock()

	excess := len(live) - cfg.MaxPerUser + 1
	if excess <= 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	victims := live[:excess]
	for _, p := range victims {
		m.Interrupt(p, ErrEvicted)
	}

	timer := time.NewTimer(cfg.EvictGrace)
	defer timer.Stop()
	for _, p := range victims {
		select {
		case <-p.done:
		case <-timer.C:
			m.log.Warn("evicted process did not exit in time", logx.PID(p.pid), logx.User(user), logx.Duration("grace", cfg.EvictGrace))
			return ErrCapacity
		}
	}
	return nil
}

// allocLocked scans from the cursor, wrapping around and skipping live pids.
func (m *Manager) allocLocked(maxPID int) (int, bool) {
	size := maxPID + 1
	if m.cursor >= size {
		m.cursor = 0
	}
	for i := 0; i < size; i++ {
		pid := (m.cursor + i) % size
		if _, used := m.table[pid]; !used {
			m.cursor = (pid + 1) % size
			return pid, true
		}
	}
	return 0, false
}

func (m *Manager) release(p *Process) {
	m.mu.Lock()
	if cur, ok := m.table[p.pid]; ok && cur == p {
		delete(m.table, p.pid)
		if p.pid < m.cursor {
			m.cursor = p.pid
		}
	}
	m.mu.Unlock()
	close(p.done)
}

func (m *Manager) run(p *Process, delay time.Duration, defTimeout time.Duration) {
	req := p.req
	start := time.Now()
	err := m.execute(p, defTimeout)
	if err == nil {
		m.limiter.Register(p.cmd.bucket(delay), req.FromID)
	}
	// Leave the table before replying so an eviction waiting on done is
	// never held up by a slow error reply.
	m.release(p)
	p.cancel(nil)
	m.publish(eventbus.ProcessFinished, p, req, time.Since(start), err)
	if err == nil {
		return
	}
	// Reply on a fresh context: the process context is already cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 10*time.Second)
	defer cancel()
	m.handleError(ctx, req, err)
}

// execute runs the command body through the middleware chain and maps a
// context error to the interrupt cause.
func (m *Manager) execute(p *Process, defTimeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	timeout := p.cmd.Timeout
	if timeout <= 0 {
		timeout = defTimeout
	}
	mw := make([]Middleware, 0, len(m.opts.Middleware)+3)
	mw = append(mw, MWRequestLog(m.log), MWPanicRecover(m.log))
	mw = append(mw, m.opts.Middleware...)
	mw = append(mw, MWTimeout(timeout))
	run := p.cmd.Run
	if run == nil {
		run = func(context.Context, *Request) error { return nil }
	}

	err = Chain(run, mw...)(p.ctx, p.req)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		if cause := context.Cause(p.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
	}
	return err
}

// handleError calls the ErrorHandler and contains its panics.
func (m *Manager) handleError(ctx context.Context, req *Request, err error) {
	h := m.opts.ErrorHandler
	if h == nil {
		req.Logger.Warn("command error", logx.Cmd(req.Command), logx.Err(err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("error handler panicked", logx.Any("panic", r), logx.Err(err), logx.Stack(string(debug.Stack())))
		}
	}()
	h(ctx, req, err)
}

func (m *Manager) publish(typ string, p *Process, req *Request, d time.Duration, err error) {
	data := eventbus.ProcessData{
		PID:      -1,
		UserID:   req.FromID,
		ChatID:   req.Chat.ChatID,
		Command:  req.Command,
		Raw:      req.Raw,
		Duration: d,
	}
	if p != nil {
		data.PID = p.pid
		data.Command = p.cmd.Name
		if c := p.Cause(); c != nil && !errors.Is(c, context.Canceled) {
			data.Cause = c.Error()
		}
	}
	if err != nil {
		data.Err = err.Error()
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Processes returns the live processes ordered by pid.
func (m *Manager) Processes() []*Process {
	m.mu.Lock()
	out := make([]*Process, 0, len(m.table))
	for _, p := range m.table {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

func (m *Manager) Process(pid int) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[pid]
	return p, ok
}

// Interrupt requests cancellation of p with cause. It reports false when p
// has already finished or was already interrupted.
func (m *Manager) Interrupt(p *Process, cause error) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	if cause == nil {
		cause = ErrKilled
	}
	if !p.interrupt(cause) {
		return false
	}
	p.req.Logger.Debug("process interrupted", logx.String("cause", cause.Error()))
	m.publish(eventbus.ProcessInterrupted, p, p.req, time.Since(p.started), nil)
	return true
}

// ShutdownAll stops admitting, interrupts every live process with
// ErrShutdown and waits for them until ctx ends.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.runMu.Lock()
	sup, stopping := m.sup, m.stopping
	if sup == nil {
		m.runMu.Unlock()
		return nil
	}
	select {
	case <-stopping:
	default:
		close(stopping)
	}
	m.runMu.Unlock()

	live := m.Processes()
	for _, p := range live {
		m.Interrupt(p, ErrShutdown)
	}
	for _, p := range live {
		select {
		case <-p.done:
		case <-ctx.Done():
			m.log.Warn("processes still running at shutdown", logx.Int("count", len(m.Processes())))
			sup.Cancel()
			return fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	err := sup.Stop(ctx)
	m.log.Info("process manager stopped", logx.Int("interrupted", len(live)))
	return err
}
