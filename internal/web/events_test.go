package web

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistedxcom/autopilot/internal/scheduler"
)

func TestEventHub_BroadcastReachesAllSubscribers(t *testing.T) {
	hub := newEventHub()
	a := hub.subscribe()
	b := hub.subscribe()

	hub.broadcast(scheduler.Event{Type: scheduler.EventMessageSent, Session: "x"})

	assert.Equal(t, "x", (<-a).Session)
	assert.Equal(t, "x", (<-b).Session)
}

func TestEventHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := newEventHub()
	ch := hub.subscribe()

	for i := 0; i < eventBufferSize+10; i++ {
		hub.broadcast(scheduler.Event{Type: scheduler.EventMessageSent})
	}
	// Broadcast never blocked; the buffer simply capped out.
	assert.Len(t, ch, eventBufferSize)
}

func TestEventHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := newEventHub()
	ch := hub.subscribe()
	hub.unsubscribe(ch)
	hub.unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestEventsWS_EndToEnd(t *testing.T) {
	s := newTestServer(&fakeController{}, nil, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler a moment to register the subscriber.
	require.Eventually(t, func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.subs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Publish(scheduler.Event{Type: scheduler.EventLoopStarted, Session: "agent-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev scheduler.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, scheduler.EventLoopStarted, ev.Type)
	assert.Equal(t, "agent-1", ev.Session)
}

func TestEventsWS_RejectsWithoutToken(t *testing.T) {
	s := newTestServer(&fakeController{}, nil, "sekrit")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 401, resp.StatusCode)
		resp.Body.Close()
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=sekrit", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()
}
