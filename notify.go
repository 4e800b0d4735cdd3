package kestrel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type notification struct {
	Kind        NotificationKind
	Destination string
	Payload     map[string]string
}

// notifyDispatcher delivers notifications to the host's Notifier from a
// single worker goroutine. Enqueueing never blocks the calling flow; when
// the buffer is full the notification is dropped and counted.
type notifyDispatcher struct {
	notifier  Notifier
	ch        chan notification
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

const notifyDeliveryTimeout = 10 * time.Second

func newNotifyDispatcher(cfg NotifyConfig, notifier Notifier) *notifyDispatcher {
	if notifier == nil {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	d := &notifyDispatcher{
		notifier: notifier,
		ch:       make(chan notification, cfg.BufferSize),
		done:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *notifyDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case n := <-d.ch:
			d.deliver(n)
		case <-d.done:
			for {
				select {
				case n := <-d.ch:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *notifyDispatcher) deliver(n notification) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyDeliveryTimeout)
	defer cancel()
	// Delivery failure is the host's problem to observe; the state
	// transition that triggered this notification already happened.
	_ = d.notifier.Notify(ctx, n.Kind, n.Destination, n.Payload)
}

// Enqueue hands a notification to the worker. Fire and forget.
func (d *notifyDispatcher) Enqueue(kind NotificationKind, destination string, payload map[string]string) bool {
	if d == nil || d.closed.Load() {
		return false
	}

	select {
	case d.ch <- notification{Kind: kind, Destination: destination, Payload: payload}:
		return true
	case <-d.done:
		return false
	default:
		d.dropped.Add(1)
		return false
	}
}

func (d *notifyDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *notifyDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
