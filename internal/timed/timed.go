// Package timed keeps a durable set of tasks that must fire at an absolute
// time, and calls an expiry handler exactly once per task while the process
// lives (at least once across restarts).
//
// One waker goroutine sleeps until the nearest deadline. Every Register and
// Deregister restarts it instead of adjusting a timer. Expired tasks are
// handed to a single notifier goroutine, so a slow handler never delays the
// detection of the next deadline.
package timed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"procbot/internal/eventbus"
	rtsup "procbot/internal/runtime/supervisor"
	logx "procbot/pkg/logx"
)

var ErrShutdown = errors.New("timed provider is shut down")

// Task is anything with a stable key and an absolute end time. Tasks are
// persisted as JSON, so T must round-trip through encoding/json.
type Task interface {
	Key() string
	EndTime() time.Time
}

// KV is the string key/value store the task set is persisted to.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type Config[T Task] struct {
	Name     string // log component and event provider name
	Key      string // persistence key; defaults to "timed." + Name
	KV       KV
	OnExpiry func(ctx context.Context, task T) error

	// NotifyTimeout bounds how long Shutdown waits for queued expiry
	// handlers. Default 5s.
	NotifyTimeout time.Duration

	Logger logx.Logger
	Bus    eventbus.Bus
	Now    func() time.Time
}

type Provider[T Task] struct {
	name     string
	key      string
	kv       KV
	onExpiry func(ctx context.Context, task T) error
	timeout  time.Duration
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu         sync.Mutex
	pending    map[string]T
	inFlight   map[string]T // expired, handler not finished yet
	waking     bool
	shutdown   bool
	wakeCancel context.CancelFunc

	persistMu sync.Mutex

	sup          *rtsup.Supervisor
	notify       *fifo[T]
	notifyCtx    context.Context
	notifyCancel context.CancelFunc
}

// New builds a provider and reloads its persisted task set. Nothing fires
// until Start.
func New[T Task](ctx context.Context, cfg Config[T]) (*Provider[T], error) {
	if cfg.Name == "" {
		return nil, errors.New("timed: name is required")
	}
	if cfg.KV == nil {
		return nil, errors.New("timed: kv store is required")
	}
	if cfg.OnExpiry == nil {
		return nil, errors.New("timed: expiry handler is required")
	}
	if cfg.Key == "" {
		cfg.Key = "timed." + cfg.Name
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.Logger.IsZero() {
		cfg.Logger = logx.Nop()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Provider[T]{
		name:     cfg.Name,
		key:      cfg.Key,
		kv:       cfg.KV,
		onExpiry: cfg.OnExpiry,
		timeout:  cfg.NotifyTimeout,
		log:      cfg.Logger.With(logx.String("comp", "timed."+cfg.Name)),
		bus:      cfg.Bus,
		now:      cfg.Now,
		pending:  map[string]T{},
		inFlight: map[string]T{},
	}
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider[T]) load(ctx context.Context) error {
	raw, ok, err := p.kv.Get(ctx, p.key)
	if err != nil {
		return fmt.Errorf("timed %s: load: %w", p.name, err)
	}
	if !ok || raw == "" {
		return nil
	}
	var tasks []T
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		return fmt.Errorf("timed %s: decode: %w", p.name, err)
	}
	// A key can appear twice when a handler re-registered it while the
	// first occurrence was in flight. The earlier one never completed, so
	// it wins; firing it again lets the handler register the next one.
	for _, t := range tasks {
		if cur, dup := p.pending[t.Key()]; dup && !t.EndTime().Before(cur.EndTime()) {
			continue
		}
		p.pending[t.Key()] = t
	}
	p.log.Info("task set loaded", logx.Int("count", len(tasks)))
	return nil
}

// Start begins waking. Call it once the collaborators used by the expiry
// handler are ready; tasks that expired while down fire right away.
func (p *Provider[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return ErrShutdown
	}
	if p.sup != nil {
		return nil
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	p.notifyCtx, p.notifyCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.notify = newFIFO[T]()
	p.sup.Go0(p.name+".notify", p.notifyLoop)
	p.waking = true
	p.restartLocked()
	return nil
}

// Register adds task, replacing any task with the same key.
func (p *Provider[T]) Register(task T) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrShutdown
	}
	p.pending[task.Key()] = task
	p.restartLocked()
	p.mu.Unlock()

	p.persist()
	return nil
}

// Deregister removes a pending task. It reports false when the task is not
// pending (unknown, or already expired).
func (p *Provider[T]) Deregister(task T) (bool, error) {
	return p.DeregisterKey(task.Key())
}

func (p *Provider[T]) DeregisterKey(key string) (bool, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return false, ErrShutdown
	}
	if _, ok := p.pending[key]; !ok {
		p.mu.Unlock()
		return false, nil
	}
	delete(p.pending, key)
	p.restartLocked()
	p.mu.Unlock()

	p.persist()
	return true, nil
}

// Get returns the pending task with key.
func (p *Provider[T]) Get(key string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.pending[key]
	return t, ok
}

// Tasks returns the pending tasks ordered by end time.
func (p *Provider[T]) Tasks() []T {
	p.mu.Lock()
	out := make([]T, 0, len(p.pending))
	for _, t := range p.pending {
		out = append(out, t)
	}
	p.mu.Unlock()
	sortByEnd(out)
	return out
}

// restartLocked replaces the waker. Caller holds p.mu.
func (p *Provider[T]) restartLocked() {
	if p.wakeCancel != nil {
		p.wakeCancel()
		p.wakeCancel = nil
	}
	if !p.waking || len(p.pending) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(p.sup.Context())
	p.wakeCancel = cancel
	p.sup.Go0(p.name+".waker", func(context.Context) { p.wake(ctx) })
}

func (p *Provider[T]) wake(ctx context.Context) {
	for {
		now := p.now()
		var expired []T
		var next time.Time

		p.mu.Lock()
		if ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		for k, t := range p.pending {
			end := t.EndTime()
			if !end.After(now) {
				expired = append(expired, t)
				delete(p.pending, k)
				p.inFlight[k] = t
				continue
			}
			if next.IsZero() || end.Before(next) {
				next = end
			}
		}
		p.mu.Unlock()

		if len(expired) > 0 {
			sortByEnd(expired)
			p.notify.push(expired...)
		}
		if next.IsZero() {
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Provider[T]) notifyLoop(context.Context) {
	for {
		t, ok := p.notify.pop()
		if !ok || p.notifyCtx.Err() != nil {
			return
		}
		err := p.fire(t)
		if p.notifyCtx.Err() != nil {
			// Cut short by shutdown: keep it in flight so it fires again after restart.
			return
		}
		p.mu.Lock()
		delete(p.inFlight, t.Key())
		p.mu.Unlock()
		p.persist()

		data := eventbus.TimedData{Provider: p.name, Key: t.Key()}
		if err != nil {
			data.Err = err.Error()
		}
		p.bus.Publish(eventbus.Event{Type: eventbus.TimedExpired, Data: data})
	}
}

// fire runs the expiry handler for one task, containing errors and panics.
func (p *Provider[T]) fire(t T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("expiry handler panicked", logx.String("key", t.Key()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	err = p.onExpiry(p.notifyCtx, t)
	if err != nil {
		p.log.Warn("expiry handler failed", logx.String("key", t.Key()), logx.Err(err))
	} else {
		p.log.Debug("task expired", logx.String("key", t.Key()), logx.Time("end", t.EndTime()))
	}
	return err
}

// persist writes pending and in-flight tasks as one JSON array. Writes are
// serialized so the last snapshot taken is the last one stored.
func (p *Provider[T]) persist() {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	p.mu.Lock()
	all := make([]T, 0, len(p.pending)+len(p.inFlight))
	for _, t := range p.inFlight {
		all = append(all, t)
	}
	for _, t := range p.pending {
		all = append(all, t)
	}
	p.mu.Unlock()
	sortByEnd(all)

	b, err := json.Marshal(all)
	if err != nil {
		p.log.Error("encode task set failed", logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.kv.Set(ctx, p.key, string(b)); err != nil {
		p.log.Warn("persist task set failed", logx.Int("count", len(all)), logx.Err(err))
	}
}

// Shutdown stops the waker, lets queued handlers finish for up to the notify
// timeout, then refuses further mutations and persists the final set. Tasks
// whose handler did not run stay persisted and fire after the next Start.
func (p *Provider[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.waking = false
	if p.wakeCancel != nil {
		p.wakeCancel()
		p.wakeCancel = nil
	}
	sup, notify := p.sup, p.notify
	p.mu.Unlock()

	var err error
	if notify != nil {
		notify.close()
		timer := time.NewTimer(p.timeout)
		select {
		case <-notify.done:
		case <-timer.C:
			p.log.Warn("expiry handlers still running at shutdown", logx.Duration("timeout", p.timeout))
		case <-ctx.Done():
			err = ctx.Err()
		}
		timer.Stop()
		p.notifyCancel()
	}

	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.persist()

	if sup != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		sup.Cancel()
		_ = sup.Wait(wctx)
	}
	p.log.Info("timed provider stopped", logx.Int("pending", len(p.Tasks())))
	return err
}

func sortByEnd[T Task](ts []T) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].EndTime().Before(ts[j].EndTime()) })
}
