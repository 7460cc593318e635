// Package batch coalesces bursts of individual change messages into timed,
// size-bounded batches before they reach the broadcast path. Converting many
// small broadcasts into few larger ones trades a bounded latency increase
// (at most one flush interval) for throughput.
package batch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stafflink/rosterhub/internal/entity"
)

// Batch is an ordered collection of accepted change outcomes awaiting
// broadcast. Order matches acceptance order.
type Batch struct {
	Outcomes  []entity.ChangeOutcome
	CreatedAt time.Time
}

// Size reports the number of member outcomes.
func (b Batch) Size() int {
	return len(b.Outcomes)
}

// FlushFunc receives each flushed batch.
type FlushFunc func(Batch)

// Batcher accumulates outcomes and flushes when either the size threshold is
// reached or the flush interval elapses since the first buffered message. The
// timer arms on the first Add into an empty buffer and resets only when the
// buffer empties.
type Batcher struct {
	maxSize  int
	interval time.Duration
	flush    FlushFunc
	logger   *zap.Logger
	clock    func() time.Time

	mu       sync.Mutex
	buffer   []entity.ChangeOutcome
	firstAt  time.Time
	timer    *time.Timer
	stopped  bool
	flushes  int64
	messages int64

	// dispatchMu is held across drain and delivery so batches reach the
	// flush callback in drain order. Without it a size-triggered flush could
	// overtake a timer flush that drained earlier outcomes but has not yet
	// delivered them.
	dispatchMu sync.Mutex
}

// Config wires a Batcher.
type Config struct {
	MaxSize  int
	Interval time.Duration
	Flush    FlushFunc
	Logger   *zap.Logger
	Clock    func() time.Time
}

// NewBatcher constructs a Batcher. Flush is required; zero thresholds fall
// back to conservative defaults.
func NewBatcher(cfg Config) *Batcher {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Batcher{
		maxSize:  maxSize,
		interval: interval,
		flush:    cfg.Flush,
		logger:   logger,
		clock:    clock,
		buffer:   make([]entity.ChangeOutcome, 0, maxSize),
	}
}

// Add buffers one accepted outcome, flushing immediately when the buffer
// reaches the size threshold. Messages added after Stop are dropped.
func (b *Batcher) Add(outcome entity.ChangeOutcome) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if len(b.buffer) == 0 {
		b.firstAt = b.clock()
		b.armTimerLocked()
	}
	b.buffer = append(b.buffer, outcome)
	b.messages++
	full := len(b.buffer) >= b.maxSize
	b.mu.Unlock()
	if full {
		b.flushNow()
	}
}

// Stop performs one final flush and releases the debounce timer. Further
// Adds are ignored.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.flushNow()
}

// Pending reports the number of buffered outcomes awaiting flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Flushes reports how many non-empty batches have been dispatched.
func (b *Batcher) Flushes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

func (b *Batcher) armTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.interval, b.flushOnTimer)
}

func (b *Batcher) flushOnTimer() {
	b.flushNow()
}

// flushNow drains whatever is buffered and delivers it. The dispatch mutex
// is taken before the drain, so a flush that drained earlier outcomes always
// delivers before one that drained later ones.
func (b *Batcher) flushNow() {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	b.mu.Lock()
	batch := b.drainLocked()
	b.mu.Unlock()
	b.dispatch(batch)
}

// drainLocked empties the buffer into a Batch. Caller holds b.mu.
func (b *Batcher) drainLocked() Batch {
	if len(b.buffer) == 0 {
		return Batch{}
	}
	outcomes := make([]entity.ChangeOutcome, len(b.buffer))
	copy(outcomes, b.buffer)
	b.buffer = b.buffer[:0]
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	created := b.firstAt
	b.firstAt = time.Time{}
	b.flushes++
	return Batch{Outcomes: outcomes, CreatedAt: created}
}

func (b *Batcher) dispatch(batch Batch) {
	if batch.Size() == 0 || b.flush == nil {
		return
	}
	b.logger.Debug("flushing batch", zap.Int("size", batch.Size()))
	b.flush(batch)
}
