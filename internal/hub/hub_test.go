package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/mocks"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

// fakeSession records delivered messages. When block is set, Send waits until
// release is closed or the context ends.
type fakeSession struct {
	mu       sync.Mutex
	received []types.Message
	sendErr  error
	block    bool
	entered  chan struct{}
	release  chan struct{}
	closed   atomic.Bool
	sends    atomic.Int64
	once     sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func newBlockingSession() *fakeSession {
	s := newFakeSession()
	s.block = true
	return s
}

func newFailingSession(err error) *fakeSession {
	s := newFakeSession()
	s.sendErr = err
	return s
}

func (s *fakeSession) Send(ctx context.Context, msg types.Message) error {
	s.sends.Add(1)
	s.once.Do(func() { close(s.entered) })

	if s.sendErr != nil {
		return s.sendErr
	}

	if s.block {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.received...)
}

func message(i int) types.Message {
	return types.Message{Type: types.MessageTypeTicker, Data: i}
}

type HubTestSuite struct {
	suite.Suite
	log *logger.Logger
}

func TestHubSuite(t *testing.T) {
	suite.Run(t, new(HubTestSuite))
}

func (suite *HubTestSuite) SetupSuite() {
	suite.log = logger.NewNopLogger()
}

func (suite *HubTestSuite) newHub(cfg Config) *Hub {
	h := New(cfg, suite.log)
	suite.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

func (suite *HubTestSuite) subscriber(h *Hub, id uuid.UUID) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.members[id]
}

func (suite *HubTestSuite) TestDefaults() {
	cfg := Config{}.withDefaults()
	suite.Equal(DefaultQueueCapacity, cfg.QueueCapacity)
	suite.Equal(DefaultEvictAfterDrops, cfg.EvictAfterDrops)
	suite.Equal(DefaultWriteTimeout, cfg.WriteTimeout)
}

func (suite *HubTestSuite) TestPublishPreservesOrderPerSubscriber() {
	h := suite.newHub(Config{QueueCapacity: 1000})

	sessions := []*fakeSession{newFakeSession(), newFakeSession(), newFakeSession()}
	for _, s := range sessions {
		_, err := h.Register(s)
		suite.Require().NoError(err)
	}
	suite.Equal(3, h.Count())

	for i := 0; i < 200; i++ {
		h.Publish(message(i))
	}

	for _, s := range sessions {
		suite.Eventually(func() bool { return len(s.messages()) == 200 }, 2*time.Second, 5*time.Millisecond)
		for i, msg := range s.messages() {
			suite.Equal(i, msg.Data)
		}
	}
	suite.Equal(int64(600), h.Delivered())
	suite.Equal(int64(0), h.Dropped())
}

func (suite *HubTestSuite) TestInitialMessagesAreDeliveredFirst() {
	h := suite.newHub(Config{})
	s := newFakeSession()

	greeting := types.NewConnectedMessage(types.FeedStateSubscribed, nil)
	_, err := h.Register(s, greeting)
	suite.Require().NoError(err)
	h.Publish(message(1))

	suite.Eventually(func() bool { return len(s.messages()) == 2 }, time.Second, 5*time.Millisecond)
	suite.Equal(types.MessageTypeConnected, s.messages()[0].Type)
	suite.Equal(1, s.messages()[1].Data)
}

func (suite *HubTestSuite) TestFullQueueDropsOldest() {
	const capacity = 10
	h := suite.newHub(Config{QueueCapacity: capacity, EvictAfterDrops: 10_000})
	s := newBlockingSession()

	id, err := h.Register(s)
	suite.Require().NoError(err)

	// Park the delivery goroutine inside Send so nothing else drains.
	h.Publish(message(-1))
	select {
	case <-s.entered:
	case <-time.After(time.Second):
		suite.FailNow("delivery goroutine never called Send")
	}

	const n = 150
	start := time.Now()
	for i := 0; i < n; i++ {
		h.Publish(message(i))
	}
	suite.Less(time.Since(start), time.Second, "publish must not stall on a slow subscriber")

	pending := suite.subscriber(h, id).queue.snapshot()
	suite.Require().Len(pending, capacity)
	for i, msg := range pending {
		suite.Equal(n-capacity+i, msg.Data)
	}
	suite.Equal(int64(n-capacity), h.Dropped())
	suite.Equal(1, h.Count())

	close(s.release)
	suite.Eventually(func() bool { return len(s.messages()) == capacity+1 }, time.Second, 5*time.Millisecond)
	suite.Equal(-1, s.messages()[0].Data)
	suite.Equal(n-capacity, s.messages()[1].Data)
}

func (suite *HubTestSuite) TestSustainedOverflowEvicts() {
	h := suite.newHub(Config{QueueCapacity: 2, EvictAfterDrops: 5})
	s := newBlockingSession()

	var evictedID atomic.Value
	var evictErr atomic.Value
	h.OnEvict(func(id uuid.UUID, err error) {
		evictedID.Store(id)
		evictErr.Store(err)
	})

	id, err := h.Register(s)
	suite.Require().NoError(err)

	h.Publish(message(-1))
	<-s.entered

	for i := 0; i < 2+5; i++ {
		h.Publish(message(i))
	}
	suite.Equal(1, h.Count(), "exactly at the threshold the subscriber is kept")

	h.Publish(message(100))
	suite.Equal(0, h.Count())
	suite.Eventually(s.closed.Load, time.Second, 5*time.Millisecond)
	suite.Equal(int64(1), h.Evictions())
	suite.Equal(id, evictedID.Load())
	suite.True(errors.HasCode(evictErr.Load().(error), errors.ErrCodeSubscriberOverflow))

	// Further publishes are no-ops for the evicted subscriber.
	h.Publish(message(101))
	suite.Equal(int64(1), h.Evictions())
}

func (suite *HubTestSuite) TestSuccessfulDeliveryResetsDropCount() {
	q := newQueue(1)

	_, drops := q.push(message(1))
	suite.Equal(0, drops)
	dropped, drops := q.push(message(2))
	suite.True(dropped)
	suite.Equal(1, drops)

	q.delivered()
	_, drops = q.push(message(3))
	suite.Equal(1, drops)
}

func (suite *HubTestSuite) TestSendFailureEvicts() {
	h := suite.newHub(Config{})
	failing := newFailingSession(fmt.Errorf("broken pipe"))
	healthy := newFakeSession()

	var evictErr atomic.Value
	h.OnEvict(func(_ uuid.UUID, err error) { evictErr.Store(err) })

	_, err := h.Register(failing)
	suite.Require().NoError(err)
	_, err = h.Register(healthy)
	suite.Require().NoError(err)

	h.Publish(message(1))

	suite.Eventually(func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	suite.Eventually(failing.closed.Load, time.Second, 5*time.Millisecond)
	suite.False(healthy.closed.Load())
	suite.Eventually(func() bool { return evictErr.Load() != nil }, time.Second, 5*time.Millisecond)
	suite.True(errors.HasCode(evictErr.Load().(error), errors.ErrCodeSubscriberDelivery))

	h.Publish(message(2))
	suite.Eventually(func() bool { return len(healthy.messages()) == 2 }, time.Second, 5*time.Millisecond)
	suite.Equal(int64(1), failing.sends.Load())
}

func (suite *HubTestSuite) TestSlowSubscriberDoesNotDelayOthers() {
	h := suite.newHub(Config{QueueCapacity: 5, EvictAfterDrops: 10_000})
	slow := newBlockingSession()
	fast := newFakeSession()

	_, err := h.Register(slow)
	suite.Require().NoError(err)
	_, err = h.Register(fast)
	suite.Require().NoError(err)

	for i := 0; i < 50; i++ {
		h.Publish(message(i))
	}

	suite.Eventually(func() bool { return len(fast.messages()) == 50 }, 2*time.Second, 5*time.Millisecond)
	suite.Empty(slow.messages())
	close(slow.release)
}

func (suite *HubTestSuite) TestUnregister() {
	h := suite.newHub(Config{})
	s := newFakeSession()

	id, err := h.Register(s)
	suite.Require().NoError(err)

	_, ok := h.LastActivity(id)
	suite.True(ok)

	sub := suite.subscriber(h, id)
	h.Unregister(id)
	suite.Equal(0, h.Count())
	suite.True(s.closed.Load())

	select {
	case <-sub.done:
	case <-time.After(time.Second):
		suite.Fail("delivery goroutine still running after unregister")
	}

	// Idempotent, and unknown ids are ignored.
	h.Unregister(id)
	h.Unregister(uuid.New())
	_, ok = h.LastActivity(id)
	suite.False(ok)
	suite.Equal(int64(0), h.Evictions())
}

func (suite *HubTestSuite) TestLastActivityAdvancesOnDelivery() {
	h := suite.newHub(Config{})
	s := newFakeSession()

	id, err := h.Register(s)
	suite.Require().NoError(err)
	registered, _ := h.LastActivity(id)

	time.Sleep(5 * time.Millisecond)
	h.Publish(message(1))
	suite.Eventually(func() bool {
		last, _ := h.LastActivity(id)
		return last.After(registered)
	}, time.Second, 5*time.Millisecond)
}

func (suite *HubTestSuite) TestCloseDrainsQueues() {
	h := New(Config{}, suite.log)
	s := newFakeSession()

	_, err := h.Register(s)
	suite.Require().NoError(err)

	for i := 0; i < 20; i++ {
		h.Publish(message(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	suite.NoError(h.Close(ctx))

	suite.Len(s.messages(), 20)
	suite.True(s.closed.Load())
	suite.Equal(0, h.Count())

	// Second close is a no-op.
	suite.NoError(h.Close(ctx))
}

func (suite *HubTestSuite) TestCloseIsBoundedByContext() {
	h := New(Config{}, suite.log)
	s := newBlockingSession()

	_, err := h.Register(s)
	suite.Require().NoError(err)
	h.Publish(message(1))
	<-s.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = h.Close(ctx)
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeHubClosed))
	suite.Less(time.Since(start), time.Second)
	suite.Eventually(s.closed.Load, time.Second, 5*time.Millisecond)
}

func (suite *HubTestSuite) TestEvictionDoesNotWaitForSessionClose() {
	ctrl := gomock.NewController(suite.T())
	h := New(Config{QueueCapacity: 1, EvictAfterDrops: 1}, suite.log)

	unblock := make(chan struct{})
	entered := make(chan struct{})
	closed := make(chan struct{})

	session := mocks.NewMockSession(ctrl)
	session.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ types.Message) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}).Times(1)
	session.EXPECT().Close().DoAndReturn(func() error {
		defer close(closed)
		<-unblock
		return nil
	}).Times(1)

	evicted := make(chan error, 1)
	h.OnEvict(func(_ uuid.UUID, err error) { evicted <- err })

	_, err := h.Register(session)
	suite.Require().NoError(err)

	h.Publish(message(0))
	<-entered

	start := time.Now()
	for i := 1; i <= 3; i++ {
		h.Publish(message(i))
	}
	suite.Less(time.Since(start), 100*time.Millisecond)
	suite.Equal(0, h.Count())

	select {
	case err := <-evicted:
		suite.True(errors.HasCode(err, errors.ErrCodeSubscriberOverflow))
	case <-time.After(time.Second):
		suite.Fail("subscriber was not evicted")
	}

	close(unblock)
	select {
	case <-closed:
	case <-time.After(time.Second):
		suite.Fail("session was never closed")
	}

	suite.NoError(h.Close(context.Background()))
}

func (suite *HubTestSuite) TestCloseClosesSessionsConcurrently() {
	ctrl := gomock.NewController(suite.T())
	h := New(Config{}, suite.log)

	unblock := make(chan struct{})
	defer close(unblock)

	const n = 5
	for i := 0; i < n; i++ {
		session := mocks.NewMockSession(ctrl)
		session.EXPECT().Close().DoAndReturn(func() error {
			select {
			case <-unblock:
			case <-time.After(time.Second):
			}
			return nil
		}).Times(1)

		_, err := h.Register(session)
		suite.Require().NoError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := h.Close(ctx)
	suite.True(errors.HasCode(err, errors.ErrCodeHubClosed))
	suite.Less(time.Since(start), 500*time.Millisecond, "closes must not run one after another")
}

func (suite *HubTestSuite) TestRegisterAfterClose() {
	h := New(Config{}, suite.log)
	suite.NoError(h.Close(context.Background()))

	s := newFakeSession()
	id, err := h.Register(s)
	suite.Equal(uuid.Nil, id)
	suite.True(errors.HasCode(err, errors.ErrCodeHubClosed))
	suite.True(s.closed.Load())
}

func (suite *HubTestSuite) TestConcurrentMembershipAndPublish() {
	h := suite.newHub(Config{QueueCapacity: 10})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				h.Publish(message(i))
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id, err := h.Register(newFakeSession())
				if err != nil {
					return
				}
				h.Unregister(id)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	suite.Eventually(func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)
}
