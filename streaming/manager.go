package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadrelabs/cadre/internal/metrics"
)

// BackpressurePolicy selects what Publish does when a subscriber's
// buffer is full.
type BackpressurePolicy string

const (
	// DropOldest evicts the oldest buffered event to make room for the
	// new one. Slow subscribers lose history but always see the most
	// recent events, and Publish never blocks. This is the default:
	// progress events age fast, and a consumer that wants lossless
	// history can replay from the ring by Seq.
	DropOldest BackpressurePolicy = "drop_oldest"
	// BlockWithTimeout waits up to BlockTimeout for buffer space, then
	// drops the new event. Preserves ordering for consumers that keep
	// up, at the cost of bounded publisher stalls.
	BlockWithTimeout BackpressurePolicy = "block_with_timeout"
)

// Mirror receives a copy of every published event, typically backed by
// Redis Streams so consumers outside the process can follow along.
type Mirror interface {
	Append(ctx context.Context, taskID string, evt Event) error
}

// Options configures a Manager.
type Options struct {
	// RingCapacity is the per-task replay buffer size.
	RingCapacity int
	// SubscriberBuffer is the default channel buffer for Subscribe.
	SubscriberBuffer int
	Policy           BackpressurePolicy
	// BlockTimeout bounds Publish stalls under BlockWithTimeout.
	BlockTimeout time.Duration
	Mirror       Mirror
	Logger       *zap.Logger
}

// Manager provides in-memory pub/sub for workflow events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-task ring buffer for replay and Last-Event-ID support
	history map[string]*ring

	capacity     int
	subBuffer    int
	policy       BackpressurePolicy
	blockTimeout time.Duration
	logger       *zap.Logger

	// mirror writes run on a single worker so the mirrored stream
	// keeps publish order
	mirror   Mirror
	mirrorCh chan Event
	mirrorWG sync.WaitGroup
}

// NewManager builds a manager; zero-valued options get defaults
// (256-event rings, 64-event subscriber buffers, DropOldest).
func NewManager(opts Options) *Manager {
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = 256
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.Policy == "" {
		opts.Policy = DropOldest
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Manager{
		subscribers:  make(map[string]map[chan Event]struct{}),
		history:      make(map[string]*ring),
		capacity:     opts.RingCapacity,
		subBuffer:    opts.SubscriberBuffer,
		policy:       opts.Policy,
		blockTimeout: opts.BlockTimeout,
		mirror:       opts.Mirror,
		logger:       opts.Logger,
	}
	if m.mirror != nil {
		m.mirrorCh = make(chan Event, 256)
		m.mirrorWG.Add(1)
		go m.mirrorLoop()
	}
	return m
}

func (m *Manager) mirrorLoop() {
	defer m.mirrorWG.Done()
	for evt := range m.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := m.mirror.Append(ctx, evt.TaskID, evt)
		cancel()
		if err != nil {
			m.logger.Debug("Event mirror append failed",
				zap.String("task_id", evt.TaskID),
				zap.String("type", string(evt.Type)),
				zap.Error(err),
			)
		}
	}
}

// Subscribe adds a subscriber channel for a taskID; caller must drain
// and call Unsubscribe. buffer <= 0 uses the manager default.
func (m *Manager) Subscribe(taskID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = m.subBuffer
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(taskID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Publish assigns the next sequence number, records the event in the
// replay ring, and fans it out to subscribers under the configured
// backpressure policy.
//
// Fan-out happens under the read lock so a channel can never be closed
// mid-send; Unsubscribe takes the write lock. Under BlockWithTimeout
// this can delay Unsubscribe by up to BlockTimeout per full subscriber.
func (m *Manager) Publish(taskID string, evt Event) {
	evt.TaskID = taskID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[taskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[taskID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	m.mu.Unlock()

	metrics.StreamEventsPublished.Inc()

	m.mu.RLock()
	for ch := range m.subscribers[taskID] {
		m.deliver(ch, evt)
	}
	if m.mirrorCh != nil {
		select {
		case m.mirrorCh <- evt:
		default:
			// mirror is best-effort; never stall the hot path
			metrics.StreamEventsDropped.WithLabelValues("mirror").Inc()
		}
	}
	m.mu.RUnlock()
}

func (m *Manager) deliver(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}

	switch m.policy {
	case BlockWithTimeout:
		t := time.NewTimer(m.blockTimeout)
		defer t.Stop()
		select {
		case ch <- evt:
		case <-t.C:
			metrics.StreamEventsDropped.WithLabelValues(string(BlockWithTimeout)).Inc()
		}
	default: // DropOldest
		select {
		case <-ch:
			metrics.StreamEventsDropped.WithLabelValues(string(DropOldest)).Inc()
		default:
		}
		select {
		case ch <- evt:
		default:
			// Consumer raced us back to full; drop the new event.
			metrics.StreamEventsDropped.WithLabelValues(string(DropOldest)).Inc()
		}
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity).
func (m *Manager) ReplaySince(taskID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[taskID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// CloseTask closes every subscriber channel for the task and drops its
// replay history. Called after the terminal event has been published.
func (m *Manager) CloseTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers[taskID] {
		close(ch)
	}
	delete(m.subscribers, taskID)
	delete(m.history, taskID)
}

// Close closes all subscriber channels and drains the mirror queue.
func (m *Manager) Close() {
	m.mu.Lock()
	for taskID, subs := range m.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(m.subscribers, taskID)
	}
	m.history = make(map[string]*ring)
	ch := m.mirrorCh
	m.mirrorCh = nil
	m.mu.Unlock()

	if ch != nil {
		close(ch)
		m.mirrorWG.Wait()
	}
}

// ring is a fixed-capacity ring buffer of events. Sequence numbers
// start at 1 so ReplaySince(id, 0) means "from the beginning".
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity), nextSeq: 1}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
