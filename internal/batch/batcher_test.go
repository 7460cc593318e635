package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stafflink/rosterhub/internal/entity"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *flushRecorder) record(b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *flushRecorder) snapshot() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Batch, len(r.batches))
	copy(out, r.batches)
	return out
}

func (r *flushRecorder) waitForBatches(t *testing.T, want int, timeout time.Duration) []Batch {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if batches := r.snapshot(); len(batches) >= want {
			return batches
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d batches within %s, got %d", want, timeout, len(r.snapshot()))
	return nil
}

func outcomeFor(t *testing.T, key string, version int64) entity.ChangeOutcome {
	t.Helper()
	entityKey, err := entity.NewKey(key)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	return entity.ChangeOutcome{
		Key:     entityKey,
		Topic:   entity.TopicAll,
		Version: version,
	}
}

func TestFlushesWhenSizeThresholdReached(t *testing.T) {
	recorder := &flushRecorder{}
	batcher := NewBatcher(Config{
		MaxSize:  3,
		Interval: time.Hour, // the timer must not be the trigger here
		Flush:    recorder.record,
	})
	defer batcher.Stop()

	batcher.Add(outcomeFor(t, "shift-1", 1))
	batcher.Add(outcomeFor(t, "shift-2", 1))
	if len(recorder.snapshot()) != 0 {
		t.Fatalf("expected no flush below the threshold")
	}
	batcher.Add(outcomeFor(t, "shift-3", 1))

	batches := recorder.waitForBatches(t, 1, time.Second)
	if batches[0].Size() != 3 {
		t.Fatalf("expected batch of 3, got %d", batches[0].Size())
	}
	if batcher.Pending() != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", batcher.Pending())
	}
}

func TestFlushesPartialBatchOnInterval(t *testing.T) {
	recorder := &flushRecorder{}
	batcher := NewBatcher(Config{
		MaxSize:  100,
		Interval: 20 * time.Millisecond,
		Flush:    recorder.record,
	})
	defer batcher.Stop()

	batcher.Add(outcomeFor(t, "shift-1", 1))

	batches := recorder.waitForBatches(t, 1, time.Second)
	if batches[0].Size() != 1 {
		t.Fatalf("expected single-message batch, got %d", batches[0].Size())
	}
}

func TestBatchPreservesAcceptanceOrder(t *testing.T) {
	recorder := &flushRecorder{}
	batcher := NewBatcher(Config{
		MaxSize:  3,
		Interval: time.Hour,
		Flush:    recorder.record,
	})
	defer batcher.Stop()

	batcher.Add(outcomeFor(t, "shift-1", 1))
	batcher.Add(outcomeFor(t, "shift-2", 2))
	batcher.Add(outcomeFor(t, "shift-3", 3))

	batches := recorder.waitForBatches(t, 1, time.Second)
	keys := []string{"shift-1", "shift-2", "shift-3"}
	for i, outcome := range batches[0].Outcomes {
		if outcome.Key.String() != keys[i] {
			t.Fatalf("expected %s at position %d, got %s", keys[i], i, outcome.Key.String())
		}
	}
}

func TestSlowTimerFlushIsNotOvertakenBySizeFlush(t *testing.T) {
	recorder := &flushRecorder{}
	stalled := make(chan struct{}, 1)
	release := make(chan struct{})
	firstDelivery := true

	batcher := NewBatcher(Config{
		MaxSize:  2,
		Interval: 10 * time.Millisecond,
		Flush: func(b Batch) {
			// The first flush stalls between drain and delivery, the way a
			// slow encode would. Later flushes must still deliver after it.
			if firstDelivery {
				firstDelivery = false
				stalled <- struct{}{}
				<-release
			}
			recorder.record(b)
		},
	})
	defer batcher.Stop()

	batcher.Add(outcomeFor(t, "shift-1", 1))
	<-stalled // timer flush drained version 1 and is stuck pre-delivery

	go func() {
		batcher.Add(outcomeFor(t, "shift-2", 2))
		batcher.Add(outcomeFor(t, "shift-3", 3)) // size-triggered flush
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	batches := recorder.waitForBatches(t, 2, time.Second)
	if batches[0].Size() != 1 || batches[0].Outcomes[0].Version != 1 {
		t.Fatalf("expected the earlier drain delivered first, got %#v", batches[0].Outcomes)
	}
	if batches[1].Size() != 2 || batches[1].Outcomes[0].Version != 2 {
		t.Fatalf("expected versions 2 and 3 in the second batch, got %#v", batches[1].Outcomes)
	}
}

func TestStopFlushesRemainder(t *testing.T) {
	recorder := &flushRecorder{}
	batcher := NewBatcher(Config{
		MaxSize:  100,
		Interval: time.Hour,
		Flush:    recorder.record,
	})

	batcher.Add(outcomeFor(t, "shift-1", 1))
	batcher.Add(outcomeFor(t, "shift-2", 1))
	batcher.Stop()

	batches := recorder.snapshot()
	if len(batches) != 1 || batches[0].Size() != 2 {
		t.Fatalf("expected final flush of 2 messages, got %#v", batches)
	}
	if batcher.Flushes() != 1 {
		t.Fatalf("expected 1 flush, got %d", batcher.Flushes())
	}
}

func TestAddAfterStopIsIgnored(t *testing.T) {
	recorder := &flushRecorder{}
	batcher := NewBatcher(Config{
		MaxSize:  1,
		Interval: time.Hour,
		Flush:    recorder.record,
	})
	batcher.Stop()

	batcher.Add(outcomeFor(t, "shift-1", 1))
	if len(recorder.snapshot()) != 0 {
		t.Fatalf("expected no flush after stop")
	}
	if batcher.Pending() != 0 {
		t.Fatalf("expected nothing buffered after stop")
	}
}
