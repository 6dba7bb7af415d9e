// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package dispatch turns raw watcher records into typed notifications and
// broadcasts them to every subscriber. There is no filtering: subscribers
// see every change of every root and decide relevance themselves.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/watch"
)

// DefaultInterval is the delay between two polls of the source.
const DefaultInterval = 100 * time.Millisecond

// Source is polled for raw records, *watch.Watcher implements it.
type Source interface {
	Poll() (watch.Record, bool)
}

// Notification is a decoded change. For Overflow, Path is the root.
type Notification struct {
	Action Action
	Path   string
	Root   string
}

// Handler receives notifications on the dispatcher goroutine.
// It must return quickly and must not block on anything the
// render thread may hold.
type Handler func(Notification)

// Options configures a Dispatcher.
type Options struct {
	Interval time.Duration
	Logger   log.FieldLogger
}

// New creates a Dispatcher polling source.
func New(source Source, opts Options) *Dispatcher {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	d := &Dispatcher{
		source:   source,
		interval: interval,
		logger:   logger,
	}
	d.subs.Store(&[]*Subscription{})
	return d
}

// Dispatcher owns the poll loop between a Source and the subscribers.
type Dispatcher struct {
	source   Source
	interval time.Duration
	logger   log.FieldLogger

	// subs is replaced on every change, so a broadcast in progress keeps
	// iterating the snapshot it started with
	subs   atomic.Pointer[[]*Subscription]
	mutex  sync.Mutex
	nextID uint64
}

// Subscription is a registered handler.
type Subscription struct {
	id      uint64
	handler Handler
	active  atomic.Bool
}

// ID returns the subscription identifier, unique per dispatcher.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Subscribe registers h. Safe to call from inside a handler.
func (d *Dispatcher) Subscribe(h Handler) *Subscription {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextID++
	s := &Subscription{
		id:      d.nextID,
		handler: h,
	}
	s.active.Store(true)

	current := *d.subs.Load()
	next := make([]*Subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, s)
	d.subs.Store(&next)
	return s
}

// Unsubscribe removes s. Safe to call from inside a handler, including
// s's own. A Broadcast already running may still deliver at most one
// notification to s after Unsubscribe returns.
func (d *Dispatcher) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.active.Store(false)

	d.mutex.Lock()
	defer d.mutex.Unlock()

	current := *d.subs.Load()
	next := make([]*Subscription, 0, len(current))
	for _, sub := range current {
		if sub != s {
			next = append(next, sub)
		}
	}
	d.subs.Store(&next)
}

// Subscribers returns the number of active subscriptions.
func (d *Dispatcher) Subscribers() int {
	return len(*d.subs.Load())
}

// Broadcast delivers n to every subscriber in registration order.
func (d *Dispatcher) Broadcast(n Notification) {
	metricNotifications.WithLabelValues(n.Action.String()).Inc()
	for _, s := range *d.subs.Load() {
		if s.active.Load() {
			s.handler(n)
		}
	}
}

// Step drains the source and broadcasts every record, returning how many
// were dispatched. It never sleeps.
func (d *Dispatcher) Step() int {
	var count int
	for {
		record, ok := d.source.Poll()
		if !ok {
			return count
		}
		count++

		if record.Overflow {
			d.logger.WithField("root", record.Root).Warn("Change queue overflowed, every resource under the root is stale")
			d.Broadcast(Notification{
				Action: Overflow,
				Path:   record.Root,
				Root:   record.Root,
			})
			continue
		}

		d.Broadcast(Notification{
			Action: Decode(record.Op),
			Path:   record.Path,
			Root:   record.Root,
		})
	}
}

// Serve runs the poll loop until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Step()
		}
	}
}

func (d *Dispatcher) String() string {
	return "dispatch.Dispatcher"
}

// LogEvents returns a handler that writes every notification to logger at debug level.
func LogEvents(logger log.FieldLogger) Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return func(n Notification) {
		logger.WithFields(log.Fields{
			"action": n.Action,
			"path":   n.Path,
			"root":   n.Root,
		}).Debug("Asset changed")
	}
}
