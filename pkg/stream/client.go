package stream

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/agentboard/agentboard/pkg/analysis"
)

// ErrStreamClosed is surfaced when the subscription ends without a
// terminal event having been delivered.
var ErrStreamClosed = errors.New("stream: closed before terminal event")

// Callbacks receive decoded events for one subscription. They are
// invoked from the handle's reader goroutine, one at a time.
type Callbacks struct {
	OnUpdate func(analysis.Update)
	// OnDone receives the terminal payload. Callers must not treat it as
	// the complete result; the authoritative result is fetched separately.
	OnDone func(analysis.Update)
	// OnError is invoked at most once, for transport failures and
	// backend error events alike. No reconnection is attempted.
	OnError func(error)
}

// SubscriberFactory builds the subscriber feeding one query's stream.
// owned reports whether the handle should close the subscriber when the
// subscription ends (per-query subscribers are owned; a shared in-proc
// pubsub is not).
type SubscriberFactory func(queryID string) (sub message.Subscriber, owned bool, err error)

// Handle is one live stream subscription.
type Handle struct {
	queryID string
	sub     message.Subscriber
	owned   bool

	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	errOnce sync.Once
	cb      Callbacks
}

// QueryID returns the query this handle tracks.
func (h *Handle) QueryID() string { return h.queryID }

// Close tears the subscription down. It is synchronous with respect to
// event delivery: no callback fires after Close returns for events not
// already in flight. Safe to call more than once.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h.owned && h.sub != nil {
		if err := h.sub.Close(); err != nil {
			log.Warn().Err(err).Str("component", "stream").Str("query_id", h.queryID).Msg("subscriber close failed")
		}
	}
	log.Debug().Str("component", "stream").Str("query_id", h.queryID).Msg("stream handle closed")
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) fail(err error) {
	h.errOnce.Do(func() {
		if h.cb.OnError != nil {
			h.cb.OnError(err)
		}
	})
}

// Manager enforces the single-active-subscription rule: opening a new
// handle always closes the previous one first, so a conversation never
// has two live streams racing each other.
type Manager struct {
	factory SubscriberFactory

	mu     sync.Mutex
	active *Handle
}

func NewManager(factory SubscriberFactory) *Manager {
	return &Manager{factory: factory}
}

// Open subscribes to the query's stream and starts dispatching events to
// the callbacks. Any previously active handle is closed before the new
// subscription is opened.
func (m *Manager) Open(ctx context.Context, queryID string, cb Callbacks) (*Handle, error) {
	if queryID == "" {
		return nil, errors.New("stream: empty query id")
	}

	m.mu.Lock()
	if m.active != nil {
		log.Debug().Str("component", "stream").
			Str("superseded", m.active.queryID).
			Str("query_id", queryID).
			Msg("closing superseded stream before opening new one")
		m.active.Close()
		m.active = nil
	}
	m.mu.Unlock()

	sub, owned, err := m.factory(queryID)
	if err != nil {
		return nil, errors.Wrap(err, "stream: build subscriber")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{queryID: queryID, sub: sub, owned: owned, cancel: cancel, cb: cb}

	ch, err := sub.Subscribe(runCtx, Topic(queryID))
	if err != nil {
		cancel()
		if owned {
			_ = sub.Close()
		}
		return nil, errors.Wrapf(err, "stream: subscribe %s", Topic(queryID))
	}

	m.mu.Lock()
	m.active = h
	m.mu.Unlock()

	go m.consume(h, ch)
	log.Info().Str("component", "stream").Str("query_id", queryID).Msg("stream opened")
	return h, nil
}

// CloseActive closes the live handle, if any.
func (m *Manager) CloseActive() {
	m.mu.Lock()
	h := m.active
	m.active = nil
	m.mu.Unlock()
	h.Close()
}

// Active returns the live handle, if any.
func (m *Manager) Active() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) consume(h *Handle, ch <-chan *message.Message) {
	terminal := false
	for msg := range ch {
		if h.isClosed() {
			// Superseded subscription: drain without dispatching.
			msg.Ack()
			continue
		}
		ev, err := ParseEvent(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "stream").Str("query_id", h.queryID).Msg("dropping undecodable event")
			msg.Ack()
			continue
		}
		if ev.QueryID != "" && ev.QueryID != h.queryID {
			log.Debug().Str("component", "stream").
				Str("query_id", h.queryID).
				Str("event_query_id", ev.QueryID).
				Msg("skipping event for different query")
			msg.Ack()
			continue
		}

		switch ev.Kind {
		case KindUpdate:
			if h.cb.OnUpdate != nil && ev.Update != nil {
				h.cb.OnUpdate(*ev.Update)
			}
		case KindDone:
			terminal = true
			var final analysis.Update
			if ev.Update != nil {
				final = *ev.Update
			}
			if h.cb.OnDone != nil {
				h.cb.OnDone(final)
			}
		case KindError:
			terminal = true
			h.fail(errors.Errorf("stream: backend error: %s", ev.Error))
		}
		msg.Ack()

		if terminal {
			break
		}
	}

	if !terminal && !h.isClosed() {
		// The transport dropped without a terminal signal.
		h.fail(ErrStreamClosed)
	}

	m.mu.Lock()
	if m.active == h {
		m.active = nil
	}
	m.mu.Unlock()
	h.Close()
	log.Debug().Str("component", "stream").Str("query_id", h.queryID).Bool("terminal", terminal).Msg("stream consumer stopped")
}
