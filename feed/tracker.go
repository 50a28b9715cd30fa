package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/feedwright/feedwright/storage"
)

// Tracker buffers request audit entries and flushes them to storage in
// periodic batches. Recording never blocks a feed response: entries ride a
// buffered channel and are dropped when it is full.
type Tracker struct {
	mu            sync.Mutex
	storage       *storage.Store
	pending       []storage.RequestLogEntry
	entryChan     chan storage.RequestLogEntry
	stopChan      chan struct{}
	processDone   chan struct{}
	wg            sync.WaitGroup
	flushInterval time.Duration
}

func NewTracker(store *storage.Store) *Tracker {
	return &Tracker{
		storage:       store,
		entryChan:     make(chan storage.RequestLogEntry, 4096),
		stopChan:      make(chan struct{}),
		processDone:   make(chan struct{}),
		flushInterval: 30 * time.Second,
	}
}

func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(2)
	go t.processLoop(ctx)
	go t.flushLoop(ctx)
}

func (t *Tracker) Stop() {
	close(t.stopChan)
	t.wg.Wait()
}

// Record enqueues one audit entry, dropping it if the buffer is full.
// Entries recorded after Stop may be dropped as well.
func (t *Tracker) Record(entry storage.RequestLogEntry) {
	select {
	case t.entryChan <- entry:
	default:
	}
}

// processLoop is the only channel consumer. On shutdown it drains what the
// buffer still holds before signalling the flush loop, so the final flush
// sees every accepted entry.
func (t *Tracker) processLoop(ctx context.Context) {
	defer t.wg.Done()
	defer close(t.processDone)
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return
		case <-t.stopChan:
			t.drain()
			return
		case entry := <-t.entryChan:
			t.append(entry)
		}
	}
}

func (t *Tracker) drain() {
	for {
		select {
		case entry := <-t.entryChan:
			t.append(entry)
		default:
			return
		}
	}
}

func (t *Tracker) append(entry storage.RequestLogEntry) {
	t.mu.Lock()
	t.pending = append(t.pending, entry)
	t.mu.Unlock()
}

func (t *Tracker) flushLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-t.processDone
			t.flush(context.Background())
			return
		case <-t.stopChan:
			<-t.processDone
			t.flush(context.Background())
			return
		case <-ticker.C:
			t.flush(ctx)
		}
	}
}

func (t *Tracker) flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := t.storage.FlushRequestLogs(ctx, batch); err != nil {
		log.Printf("Feed tracker: failed to flush %d request logs: %v", len(batch), err)
	}
}
