package stream

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WSSubscriber adapts a websocket push channel to the watermill
// Subscriber interface. Each Subscribe call dials one socket for one
// topic; the backend is expected to push stream event JSON frames on it.
type WSSubscriber struct {
	baseURL string
	dialer  *websocket.Dialer
	header  http.Header

	mu    sync.Mutex
	conns []*websocket.Conn
}

func NewWSSubscriber(baseURL string, header http.Header) *WSSubscriber {
	return &WSSubscriber{
		baseURL: baseURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		header:  header,
	}
}

func (s *WSSubscriber) endpoint(topic string) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "stream: invalid websocket base URL")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/stream"
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the backend and returns a channel of pushed frames.
// The channel closes when the socket drops or the context is cancelled.
func (s *WSSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	endpoint, err := s.endpoint(topic)
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, endpoint, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "stream: dial %s", endpoint)
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close() }()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("component", "stream").Str("topic", topic).Msg("websocket read failed")
				}
				return
			}
			msg := message.NewMessage(watermill.NewUUID(), payload)
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close drops all open sockets.
func (s *WSSubscriber) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
