// Package monitor implements hang prevention and resource-pressure
// degradation for the engine.
//
// Every engine operation registers with the monitor before touching
// storage. Registration is non-blocking admission control: a weighted
// semaphore bounds in-flight operations and a token bucket smooths the
// admission rate; both reject instead of queueing, so a stalled volume can
// never pile up unbounded goroutines. A per-operation watchdog cancels any
// operation that outlives its deadline, and the finish callback restores
// the counters exactly once regardless of how the operation ends.
//
// A background sampler maps memory and concurrency pressure onto six
// degradation levels. Levels only constrain admission; they never interrupt
// operations already running.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Level is a degradation level. Ordering is meaningful: higher levels
// reject more work.
type Level int32

const (
	LevelNormal Level = iota
	LevelLight
	LevelModerate
	LevelHeavy
	LevelReadOnly
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelLight:
		return "light"
	case LevelModerate:
		return "moderate"
	case LevelHeavy:
		return "heavy"
	case LevelReadOnly:
		return "read-only"
	case LevelEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// Kind classifies an operation for timeouts and counters.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindSearch
	KindMaintenance
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindSearch:
		return "search"
	case KindMaintenance:
		return "maintenance"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrBusy is returned when admission control rejects an operation.
	ErrBusy = errors.New("monitor: too many in-flight operations")

	// ErrReadOnlyMode is returned for mutating operations at LevelReadOnly
	// or above.
	ErrReadOnlyMode = errors.New("monitor: volume degraded to read-only")

	// ErrEmergency is returned for all non-maintenance operations at
	// LevelEmergency.
	ErrEmergency = errors.New("monitor: volume in emergency degradation")
)

// Options configures the monitor.
type Options struct {
	// MaxConcurrent bounds in-flight operations. Zero means 64.
	MaxConcurrent int64
	// RateLimit smooths admissions per second. Zero disables rate limiting.
	RateLimit rate.Limit
	RateBurst int
	// Timeouts overrides the per-kind watchdog deadlines.
	Timeouts map[Kind]time.Duration
	// MemoryBudget is the heap size treated as 100% memory pressure.
	// Zero means 1 GiB.
	MemoryBudget uint64
	// SampleInterval is the pressure sampling period. Zero means 1s.
	SampleInterval time.Duration
	// OnLevelChange is invoked (from the sampler goroutine) whenever the
	// degradation level moves.
	OnLevelChange func(old, new Level)
	Logger        *slog.Logger
}

var defaultTimeouts = map[Kind]time.Duration{
	KindRead:        5 * time.Second,
	KindWrite:       10 * time.Second,
	KindSearch:      5 * time.Second,
	KindMaintenance: 60 * time.Second,
}

// Monitor is the hang-prevention controller.
type Monitor struct {
	opts    Options
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger

	level  atomic.Int32
	active [kindCount]atomic.Int64
	timed  atomic.Int64 // watchdog firings

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a monitor. Call Start to begin pressure sampling.
func New(optFns ...func(o *Options)) *Monitor {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 64
	}
	if opts.MemoryBudget == 0 {
		opts.MemoryBudget = 1 << 30
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeouts == nil {
		opts.Timeouts = defaultTimeouts
	}

	m := &Monitor{
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		logger: opts.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		m.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return m
}

// Begin registers an operation. On success it returns a context bounded by
// the kind's watchdog deadline and a finish callback the caller must invoke
// exactly when the operation ends. Finish is idempotent.
func (m *Monitor) Begin(ctx context.Context, kind Kind) (context.Context, func(), error) {
	if err := m.admit(kind); err != nil {
		return nil, nil, err
	}

	if m.limiter != nil && !m.limiter.Allow() {
		return nil, nil, fmt.Errorf("%w: rate limited", ErrBusy)
	}
	if !m.sem.TryAcquire(1) {
		return nil, nil, ErrBusy
	}
	m.active[kind].Add(1)

	opCtx, cancel := context.WithCancel(ctx)
	timeout := m.opts.Timeouts[kind]
	if timeout <= 0 {
		timeout = defaultTimeouts[kind]
	}

	var fired atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		fired.Store(true)
		m.timed.Add(1)
		m.logger.Warn("watchdog fired, cancelling operation",
			"kind", kind.String(), "timeout", timeout)
		cancel()
	})

	var once sync.Once
	finish := func() {
		once.Do(func() {
			timer.Stop()
			cancel()
			m.active[kind].Add(-1)
			m.sem.Release(1)
		})
	}
	return opCtx, finish, nil
}

// admit applies the degradation policy.
func (m *Monitor) admit(kind Kind) error {
	level := m.Level()
	switch {
	case level >= LevelEmergency && kind != KindMaintenance:
		return ErrEmergency
	case level >= LevelReadOnly && kind == KindWrite:
		return ErrReadOnlyMode
	case level >= LevelHeavy && kind == KindSearch:
		// Heavy load sheds search work first; reads and writes proceed.
		return fmt.Errorf("%w: shedding searches at %s", ErrBusy, level)
	}
	return nil
}

// Level returns the current degradation level.
func (m *Monitor) Level() Level { return Level(m.level.Load()) }

// SetLevel forces a level. The sampler also calls this; manual calls are
// for operator overrides and tests.
func (m *Monitor) SetLevel(l Level) {
	old := Level(m.level.Swap(int32(l)))
	if old != l {
		m.logger.Info("degradation level changed", "from", old.String(), "to", l.String())
		if m.opts.OnLevelChange != nil {
			m.opts.OnLevelChange(old, l)
		}
	}
}

// Active returns the in-flight count for kind.
func (m *Monitor) Active(kind Kind) int64 { return m.active[kind].Load() }

// ActiveTotal returns total in-flight operations.
func (m *Monitor) ActiveTotal() int64 {
	var n int64
	for i := range m.active {
		n += m.active[i].Load()
	}
	return n
}

// WatchdogFirings returns how many operations the watchdog has cancelled.
func (m *Monitor) WatchdogFirings() int64 { return m.timed.Load() }

// Start launches the pressure sampler.
func (m *Monitor) Start() {
	go m.sampleLoop()
}

// Stop halts the sampler and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) sampleLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.SetLevel(m.sample())
		}
	}
}

// sample maps current pressure onto a level. Memory pressure and
// concurrency pressure are measured independently and the worse one wins.
func (m *Monitor) sample() Level {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memPressure := float64(ms.HeapAlloc) / float64(m.opts.MemoryBudget)
	opPressure := float64(m.ActiveTotal()) / float64(m.opts.MaxConcurrent)

	return LevelForPressure(max(memPressure, opPressure))
}

// LevelForPressure maps a pressure fraction onto a degradation level.
func LevelForPressure(p float64) Level {
	switch {
	case p < 0.50:
		return LevelNormal
	case p < 0.65:
		return LevelLight
	case p < 0.80:
		return LevelModerate
	case p < 0.90:
		return LevelHeavy
	case p < 0.95:
		return LevelReadOnly
	default:
		return LevelEmergency
	}
}
