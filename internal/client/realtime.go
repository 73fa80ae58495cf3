package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	subscriptionBufferSize = 64
	realtimeReadWait       = 90 * time.Second
	realtimeWriteWait      = 5 * time.Second
)

// Subscribe implements rows.Feed by opening one WebSocket per topic. The
// subscription ends when ctx is cancelled, Unsubscribe is called, or the
// connection drops; in every case the event channel is closed.
func (c *Client) Subscribe(ctx context.Context, topic rows.Topic) (rows.Subscription, error) {
	query := url.Values{}
	query.Set("table", topic.Table)
	event := topic.Event
	if event == "" {
		event = rows.EventAll
	}
	query.Set("event", string(event))
	if topic.Filter != nil {
		query.Set("filter", topic.Filter.String())
	}

	endpoint, err := url.Parse(c.endpoint(realtimePath, query))
	if err != nil {
		return nil, fmt.Errorf("client: subscribe: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}

	header := http.Header{}
	header.Set(apiKeyHeader, c.apiKey)
	header.Set("Authorization", "Bearer "+c.bearer())

	conn, response, err := c.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			status := response.StatusCode
			c.logger.Warn("realtime subscribe rejected", zap.String("topic", topic.String()), zap.Int("status", status))
			return nil, fmt.Errorf("client: subscribe %s: status %d: %w", topic.String(), status, err)
		}
		c.logger.Error("realtime dial failed", zap.String("topic", topic.String()), zap.Error(err))
		return nil, fmt.Errorf("client: subscribe %s: %w", topic.String(), err)
	}

	sub := &subscription{
		conn:   conn,
		topic:  topic,
		events: make(chan rows.ChangeEvent, subscriptionBufferSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: c.logger,
	}
	go sub.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.exited:
		}
	}()
	return sub, nil
}

type subscription struct {
	conn   *websocket.Conn
	topic  rows.Topic
	events chan rows.ChangeEvent
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (s *subscription) Events() <-chan rows.ChangeEvent {
	return s.events
}

// Unsubscribe closes the connection and waits for the reader to exit.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(realtimeWriteWait))
		_ = s.conn.Close()
	})
	<-s.exited
}

func (s *subscription) readLoop() {
	defer close(s.exited)
	defer close(s.events)

	_ = s.conn.SetReadDeadline(time.Now().Add(realtimeReadWait))
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(realtimeReadWait))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(realtimeWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var event rows.ChangeEvent
		if err := s.conn.ReadJSON(&event); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("realtime stream ended", zap.String("topic", s.topic.String()), zap.Error(err))
				}
				_ = s.conn.Close()
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(realtimeReadWait))
		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}
