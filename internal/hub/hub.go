// Package hub fans market events out to live subscriber sessions.
//
// Every subscriber owns a bounded drop-oldest queue drained by its own
// goroutine, so Publish never blocks and a slow or broken subscriber only
// affects itself.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultQueueCapacity   = 100
	DefaultEvictAfterDrops = 1000
	DefaultWriteTimeout    = 10 * time.Second
)

// Session is the transport of one subscriber. Send is only ever called from
// the subscriber's delivery goroutine.
type Session interface {
	Send(ctx context.Context, msg types.Message) error
	Close() error
}

// OnEvict is called after a subscriber was removed because of a delivery
// failure or sustained overflow.
type OnEvict func(id uuid.UUID, err error)

// Config configures a Hub.
type Config struct {
	// QueueCapacity is the per-subscriber queue size.
	QueueCapacity int
	// EvictAfterDrops evicts a subscriber once this many messages in a row were
	// dropped from its queue without a successful delivery in between.
	EvictAfterDrops int
	// WriteTimeout bounds a single Session.Send.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}

	if c.EvictAfterDrops <= 0 {
		c.EvictAfterDrops = DefaultEvictAfterDrops
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}

	return c
}

type subscriber struct {
	id      uuid.UUID
	session Session
	queue   *queue
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// lastActivity is the unix-nano time of the last successful send.
	lastActivity atomic.Int64
	stopOnce     sync.Once
	closeOnce    sync.Once
}

// stop cancels delivery without touching the session.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.queue.close()
	})
}

func (s *subscriber) closeSession() {
	s.closeOnce.Do(func() {
		_ = s.session.Close()
	})
}

// Hub is the broadcast hub.
type Hub struct {
	config Config
	log    *logger.Logger

	// mu guards membership changes only. Publish reads view without locking.
	mu      sync.Mutex
	members map[uuid.UUID]*subscriber
	view    atomic.Pointer[[]*subscriber]
	closed  bool

	onEvict OnEvict
	wg      sync.WaitGroup
	// closers tracks session closes running off the publishing goroutine.
	closers sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
	evictions atomic.Int64
}

// New creates a Hub.
func New(config Config, log *logger.Logger) *Hub {
	h := &Hub{
		config:    config.withDefaults(),
		log:       log.Named("hub"),
		mu:        sync.Mutex{},
		members:   make(map[uuid.UUID]*subscriber),
		view:      atomic.Pointer[[]*subscriber]{},
		closed:    false,
		onEvict:   nil,
		wg:        sync.WaitGroup{},
		closers:   sync.WaitGroup{},
		delivered: atomic.Int64{},
		dropped:   atomic.Int64{},
		evictions: atomic.Int64{},
	}
	h.view.Store(&[]*subscriber{})

	return h
}

// OnEvict registers an eviction observer. It must be called before the first
// Register.
func (h *Hub) OnEvict(fn OnEvict) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.onEvict = fn
}

// Register adds a subscriber and starts its delivery goroutine. initial
// messages are queued ahead of anything published afterwards.
func (h *Hub) Register(session Session, initial ...types.Message) (uuid.UUID, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		id:           uuid.New(),
		session:      session,
		queue:        newQueue(h.config.QueueCapacity),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastActivity: atomic.Int64{},
		stopOnce:     sync.Once{},
		closeOnce:    sync.Once{},
	}
	sub.lastActivity.Store(time.Now().UnixNano())

	for _, msg := range initial {
		sub.queue.push(msg)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		_ = session.Close()

		return uuid.Nil, errors.New(errors.ErrCodeHubClosed, "hub is closed")
	}

	h.members[sub.id] = sub
	h.rebuildView()
	h.wg.Add(1)
	h.mu.Unlock()

	go h.deliver(sub)

	h.log.Debug("Subscriber registered", zap.String("subscriber_id", sub.id.String()))

	return sub.id, nil
}

// Unregister removes a subscriber and releases its session. Unknown or already
// removed ids are ignored.
func (h *Hub) Unregister(id uuid.UUID) {
	if sub := h.remove(id); sub != nil {
		sub.stop()
		sub.closeSession()
		h.log.Debug("Subscriber unregistered", zap.String("subscriber_id", id.String()))
	}
}

// Publish enqueues msg for every current subscriber. It never blocks on
// subscriber I/O, including the close of an evicted session.
func (h *Hub) Publish(msg types.Message) {
	for _, sub := range *h.view.Load() {
		dropped, drops := sub.queue.push(msg)
		if !dropped {
			continue
		}

		h.dropped.Add(1)

		if drops > h.config.EvictAfterDrops {
			h.evict(sub.id, errors.Newf(errors.ErrCodeSubscriberOverflow,
				"subscriber dropped %d consecutive messages", drops))
		}
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	return len(*h.view.Load())
}

// LastActivity returns when the subscriber last received a message.
func (h *Hub) LastActivity(id uuid.UUID) (time.Time, bool) {
	h.mu.Lock()
	sub, ok := h.members[id]
	h.mu.Unlock()

	if !ok {
		return time.Time{}, false
	}

	return time.Unix(0, sub.lastActivity.Load()), true
}

// Delivered returns the number of messages successfully sent to subscribers.
func (h *Hub) Delivered() int64 { return h.delivered.Load() }

// Dropped returns the number of messages dropped from full queues.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Evictions returns the number of subscribers removed for delivery failures
// or overflow.
func (h *Hub) Evictions() int64 { return h.evictions.Load() }

// Close stops accepting subscribers, lets every queue drain until ctx is done
// and then terminates all delivery goroutines. Sessions are closed
// concurrently and the wait for them is bounded by the same ctx. It returns an
// error when the drain or the session closes did not finish in time.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return nil
	}

	h.closed = true
	subs := make([]*subscriber, 0, len(h.members))
	for _, sub := range h.members {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.queue.close()
	}

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	var err error

	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Wrap(errors.ErrCodeHubClosed, "timed out draining subscriber queues", ctx.Err())
	}

	for _, sub := range subs {
		h.remove(sub.id)
		h.release(sub)
	}

	closed := make(chan struct{})
	go func() {
		h.closers.Wait()
		close(closed)
	}()

	select {
	case <-closed:
	case <-ctx.Done():
		if err == nil {
			err = errors.Wrap(errors.ErrCodeHubClosed, "timed out closing subscriber sessions", ctx.Err())
		}
	}

	if err != nil {
		h.log.Warn("Hub closed before all subscribers drained", zap.Int("subscribers", len(subs)), zap.Error(err))
	} else {
		h.log.Info("Hub closed", zap.Int("subscribers", len(subs)))
	}

	return err
}

// deliver drains one subscriber's queue into its session.
func (h *Hub) deliver(sub *subscriber) {
	defer h.wg.Done()
	defer close(sub.done)

	for {
		msg, ok := sub.queue.pop()
		if !ok {
			if sub.queue.drained() {
				return
			}

			select {
			case <-sub.queue.notify:
				continue
			case <-sub.ctx.Done():
				return
			}
		}

		if sub.ctx.Err() != nil {
			return
		}

		sendCtx, cancel := context.WithTimeout(sub.ctx, h.config.WriteTimeout)
		err := sub.session.Send(sendCtx, msg)
		cancel()

		if err != nil {
			if sub.ctx.Err() == nil {
				h.evict(sub.id, errors.Wrap(errors.ErrCodeSubscriberDelivery, "failed to send to subscriber", err))
			}

			return
		}

		sub.queue.delivered()
		sub.lastActivity.Store(time.Now().UnixNano())
		h.delivered.Add(1)
	}
}

func (h *Hub) evict(id uuid.UUID, cause error) {
	sub := h.remove(id)
	if sub == nil {
		return
	}

	h.release(sub)
	h.evictions.Add(1)

	h.log.Warn("Subscriber evicted",
		zap.String("subscriber_id", id.String()),
		zap.Error(cause),
	)

	h.mu.Lock()
	observer := h.onEvict
	h.mu.Unlock()

	if observer != nil {
		observer(id, cause)
	}
}

// release stops delivery at once and closes the session in the background.
func (h *Hub) release(sub *subscriber) {
	sub.stop()

	h.closers.Add(1)
	go func() {
		defer h.closers.Done()
		sub.closeSession()
	}()
}

func (h *Hub) remove(id uuid.UUID) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.members[id]
	if !ok {
		return nil
	}

	delete(h.members, id)
	h.rebuildView()

	return sub
}

// rebuildView publishes a fresh snapshot of the member set. Callers hold mu.
func (h *Hub) rebuildView() {
	view := make([]*subscriber, 0, len(h.members))
	for _, sub := range h.members {
		view = append(view, sub)
	}

	h.view.Store(&view)
}
