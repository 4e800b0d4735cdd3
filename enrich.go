package kestrel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelauth/kestrel/session"
)

type enrichJob struct {
	SessionID string
	Meta      session.Metadata
}

// enrichWorker resolves session metadata (geo, device label) after the
// session already exists. Best effort end to end: a full buffer, a failing
// enricher, or a session that logged out mid-flight all leave the original
// metadata in place without surfacing anywhere.
type enrichWorker struct {
	enricher MetadataEnricher
	store    *session.Store
	metrics  *Metrics

	ch        chan enrichJob
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

const (
	enrichBufferSize = 256
	enrichTimeout    = 5 * time.Second
)

func newEnrichWorker(enricher MetadataEnricher, store *session.Store, metrics *Metrics) *enrichWorker {
	if enricher == nil {
		return nil
	}

	w := &enrichWorker{
		enricher: enricher,
		store:    store,
		metrics:  metrics,
		ch:       make(chan enrichJob, enrichBufferSize),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

func (w *enrichWorker) run() {
	defer w.wg.Done()

	for {
		select {
		case job := <-w.ch:
			w.process(job)
		case <-w.done:
			return
		}
	}
}

func (w *enrichWorker) process(job enrichJob) {
	ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
	defer cancel()

	enriched, err := w.enricher.Enrich(ctx, job.Meta)
	if err != nil {
		return
	}
	if err := w.store.UpdateMetadata(ctx, job.SessionID, enriched); err != nil {
		return
	}
	w.metrics.Inc(MetricEnrichApplied)
}

// Enqueue schedules enrichment for a freshly created session.
func (w *enrichWorker) Enqueue(sessionID string, meta session.Metadata) {
	if w == nil || w.closed.Load() {
		return
	}

	select {
	case w.ch <- enrichJob{SessionID: sessionID, Meta: meta}:
	case <-w.done:
	default:
	}
}

func (w *enrichWorker) Close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
		w.wg.Wait()
	})
}
