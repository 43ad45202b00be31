package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
)

// newTestSyncClient creates a SyncClient for testing purposes.
func newTestSyncClient(t *testing.T, su *stats.MockStatsUpdater) *SyncClient {
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(5)
	su.On("Incr", mock.Anything).Return(nil).Maybe()

	cfg, err := config.NewConfig("ws://localhost:3001/ws", "test-token", "self", 2*time.Second, "")
	require.NoError(t, err, "failed to create test config")

	c, err := NewSyncClient(testutil.TestLogger(t), cfg, su)
	require.NoError(t, err, "failed to create test SyncClient")
	return c
}

// topicRecorder collects observer notifications.
type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (tr *topicRecorder) record(topic string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.topics = append(tr.topics, topic)
}

func (tr *topicRecorder) all() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.topics...)
}

func (tr *topicRecorder) count(topic string) int {
	var n int
	for _, got := range tr.all() {
		if got == topic {
			n++
		}
	}
	return n
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	data, err := json.Marshal(v)
	require.NoError(t, err, "failed to marshal test payload")
	return data
}

func TestNewSyncClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	c := newTestSyncClient(t, su)
	assert.NotNil(t, c.Presence, "expected presence tracker to be initialized")
	assert.NotNil(t, c.Typing, "expected typing indicator to be initialized")
	assert.NotNil(t, c.Invalidations, "expected invalidation registry to be initialized")
	assert.NotNil(t, c.Conversations, "expected conversation index to be initialized")
	assert.NotNil(t, c.eventChan, "expected eventChan to be initialized")
	assert.NotNil(t, c.send, "expected send channel to be initialized")
	assert.Equal(t, Disconnected, c.State(), "expected client to start disconnected")
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

func Test_dispatch(t *testing.T) {
	t.Run("presence snapshot", func(t *testing.T) {
		c := newTestSyncClient(t, &stats.MockStatsUpdater{})
		c.registerHandlers()

		c.dispatch(&inboundEvent{env: Envelope{
			Event: EventOnlineUsers,
			Data:  mustMarshal(t, OnlineUsers{Users: []string{"1", "2", "3"}}),
		}})

		assert.True(t, c.Presence.IsOnline("1"), "expected user 1 to be online")
		assert.True(t, c.Presence.IsOnline("3"), "expected user 3 to be online")
		assert.False(t, c.Presence.IsOnline("4"), "expected user 4 to be offline")
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("RegisterMetric", mock.Anything).Return(nil).Times(5)
		su.On("Incr", stats.EventsDropped).Return(nil).Once()
		defer su.AssertExpectations(t)

		cfg, err := config.NewConfig("ws://localhost:3001/ws", "test-token", "self", 2*time.Second, "")
		require.NoError(t, err, "failed to create test config")
		c, err := NewSyncClient(testutil.TestLogger(t), cfg, su)
		require.NoError(t, err, "failed to create test SyncClient")
		c.registerHandlers()

		c.dispatch(&inboundEvent{env: Envelope{
			Event: EventOnlineUsers,
			Data:  json.RawMessage(`{"users": "not-a-list"}`),
		}})

		assert.False(t, c.Presence.IsOnline("1"), "expected no state change from a malformed event")
	})

	t.Run("unknown event is dropped", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("RegisterMetric", mock.Anything).Return(nil).Times(5)
		su.On("Incr", stats.EventsDropped).Return(nil).Once()
		defer su.AssertExpectations(t)

		cfg, err := config.NewConfig("ws://localhost:3001/ws", "test-token", "self", 2*time.Second, "")
		require.NoError(t, err, "failed to create test config")
		c, err := NewSyncClient(testutil.TestLogger(t), cfg, su)
		require.NoError(t, err, "failed to create test SyncClient")
		c.registerHandlers()

		c.dispatch(&inboundEvent{env: Envelope{Event: "no_such_event"}})
	})

	t.Run("stale connection generation is ignored", func(t *testing.T) {
		c := newTestSyncClient(t, &stats.MockStatsUpdater{})
		c.registerHandlers()
		c.gen = 2

		c.dispatch(&inboundEvent{gen: 1, env: Envelope{
			Event: EventOnlineUsers,
			Data:  mustMarshal(t, OnlineUsers{Users: []string{"1"}}),
		}})

		assert.False(t, c.Presence.IsOnline("1"), "expected event from a torn-down connection to be ignored")
	})
}

func Test_handleUserStatus(t *testing.T) {
	c := newTestSyncClient(t, &stats.MockStatsUpdater{})
	c.registerHandlers()

	recorder := &topicRecorder{}
	c.Subscribe(recorder.record)

	c.Presence.ApplySnapshot([]string{"1", "2", "3"})

	delta := mustMarshal(t, UserStatusUpdate{UserId: "2", Status: types.UserStatusOffline})
	c.dispatch(&inboundEvent{env: Envelope{Event: EventUserStatus, Data: delta}})

	assert.False(t, c.Presence.IsOnline("2"), "expected user 2 to be offline")
	assert.True(t, c.Presence.IsOnline("1"), "expected user 1 to remain online")
	assert.Equal(t, 1, recorder.count(TopicPresence), "expected one presence notification")

	// applying the same delta again is a no-op and must not re-notify
	c.dispatch(&inboundEvent{env: Envelope{Event: EventUserStatus, Data: delta}})
	assert.Equal(t, 1, recorder.count(TopicPresence), "expected no notification for a no-op delta")

	err := c.handleUserStatus(mustMarshal(t, UserStatusUpdate{Status: types.UserStatusOnline}))
	assert.Error(t, err, "expected an error for a delta without user_id")
}

func Test_handleUserTyping(t *testing.T) {
	c := newTestSyncClient(t, &stats.MockStatsUpdater{})
	c.registerHandlers()

	recorder := &topicRecorder{}
	c.Subscribe(recorder.record)

	c.dispatch(&inboundEvent{env: Envelope{
		Event: EventUserTyping,
		Data:  mustMarshal(t, TypingEvent{ConversationId: "42", UserId: "7"}),
	}})

	assert.True(t, c.Typing.IsTyping("42", time.Now()), "expected typing indicator to be set")
	assert.Equal(t, 1, recorder.count(TopicTyping("42")), "expected a typing notification")

	// the local user's own typing must not be visible to them
	c.dispatch(&inboundEvent{env: Envelope{
		Event: EventUserTyping,
		Data:  mustMarshal(t, TypingEvent{ConversationId: "43", UserId: "self"}),
	}})

	assert.False(t, c.Typing.IsTyping("43", time.Now()), "expected no indicator for the local user")
	assert.Zero(t, recorder.count(TopicTyping("43")), "expected no notification for the local user")
}

func Test_handleReceiveMessage(t *testing.T) {
	c := newTestSyncClient(t, &stats.MockStatsUpdater{})
	c.registerHandlers()

	recorder := &topicRecorder{}
	c.Subscribe(recorder.record)

	// user 7 is typing in conversation 42
	c.Typing.OnTypingEvent("42", "7", time.Now())

	c.dispatch(&inboundEvent{env: Envelope{
		Event: EventReceiveMessage,
		Data:  mustMarshal(t, MessageEvent{ConversationId: "42", UserId: "7"}),
	}})

	assert.True(t, c.Invalidations.IsStale(MessagesKey("42")), "expected message list to be marked stale")
	assert.True(t, c.Invalidations.IsStale(ConversationMetaKey("42")), "expected conversation meta to be marked stale")
	assert.False(t, c.Typing.IsTyping("42", time.Now()), "expected the sender's typing indicator to be cleared")
	assert.Equal(t, 1, recorder.count(TopicMessages("42")), "expected a messages notification")
	assert.Equal(t, 1, recorder.count(TopicTyping("42")), "expected a typing notification for the cleared indicator")
}

func Test_handleDeleteMessage(t *testing.T) {
	c := newTestSyncClient(t, &stats.MockStatsUpdater{})
	c.registerHandlers()

	for _, event := range []string{EventDeleteMessage, EventDeleteForMe} {
		c.dispatch(&inboundEvent{env: Envelope{
			Event: event,
			Data:  mustMarshal(t, MessageEvent{ConversationId: "42", MessageId: "m1"}),
		}})
		assert.True(t, c.Invalidations.IsStale(MessagesKey("42")), "expected %s to mark the message list stale", event)
	}

	// repeated mutating events collapse into one pending invalidation
	version := c.Invalidations.Version(MessagesKey("42"))
	cleared := c.Invalidations.MarkRead(MessagesKey("42"), version)
	assert.True(t, cleared, "expected a single read to clear all pending invalidations")
}

func Test_handleLastMessage(t *testing.T) {
	c := newTestSyncClient(t, &stats.MockStatsUpdater{})
	c.registerHandlers()

	recorder := &topicRecorder{}
	c.Subscribe(recorder.record)

	c.Conversations.SetAll([]types.ConversationSummary{
		{Id: "5", Type: types.ConversationTypePrivate},
		{Id: "9", Type: types.ConversationTypeGroup},
	})

	c.dispatch(&inboundEvent{env: Envelope{
		Event: EventLastMessage,
		Data: mustMarshal(t, LastMessageEvent{
			ConversationId: "9",
			Text:           "yo",
			UpdatedAt:      time.Now(),
			UserId:         "3",
		}),
	}})

	assert.Equal(t, []string{"9", "5"}, summaryIds(c.Conversations.Snapshot()), "expected conversation 9 to move to the top")
	assert.Equal(t, 1, recorder.count(TopicConversations), "expected a conversations notification")

	// events for conversations the index doesn't hold are ignored
	c.dispatch(&inboundEvent{env: Envelope{
		Event: EventLastMessage,
		Data: mustMarshal(t, LastMessageEvent{
			ConversationId: "404",
			Text:           "hi",
			UpdatedAt:      time.Now(),
			UserId:         "3",
		}),
	}})

	assert.Equal(t, 1, recorder.count(TopicConversations), "expected no notification for an unknown conversation")
}

func Test_handleUserCreated(t *testing.T) {
	c := newTestSyncClient(t, &stats.MockStatsUpdater{})
	c.registerHandlers()

	var created []types.User
	c.OnUserCreated(func(user types.User) {
		created = append(created, user)
	})

	c.dispatch(&inboundEvent{env: Envelope{
		Event: EventUserCreated,
		Data:  mustMarshal(t, UserCreatedEvent{User: types.User{Id: "7", Username: "newuser"}}),
	}})

	require.Len(t, created, 1, "expected the user created hook to fire once")
	assert.Equal(t, "newuser", created[0].Username, "expected the new user to be passed through")
}

func Test_emit(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		c := newTestSyncClient(t, &stats.MockStatsUpdater{})

		err := c.JoinConversation("42")
		assert.ErrorIs(t, err, ErrNotConnected, "expected join to fail while disconnected")

		err = c.NotifyTyping("42")
		assert.ErrorIs(t, err, ErrNotConnected, "expected typing signal to fail while disconnected")
	})

	t.Run("empty conversation id", func(t *testing.T) {
		c := newTestSyncClient(t, &stats.MockStatsUpdater{})

		assert.Error(t, c.JoinConversation(""), "expected join with empty id to fail")
		assert.Error(t, c.NotifyTyping(""), "expected typing signal with empty id to fail")
	})

	t.Run("queues envelope when connected", func(t *testing.T) {
		c := newTestSyncClient(t, &stats.MockStatsUpdater{})
		c.setState(Connected)

		require.NoError(t, c.NotifyTyping("42"), "expected typing signal to queue")

		select {
		case env := <-c.send:
			assert.Equal(t, EventTyping, env.Event, "expected a typing envelope")
			assert.NotEmpty(t, env.Id, "expected a correlation id")

			var sig TypingSignal
			require.NoError(t, json.Unmarshal(env.Data, &sig), "expected payload to decode")
			assert.Equal(t, "42", sig.ConversationId, "expected conversation id in payload")
			assert.Equal(t, "self", sig.UserId, "expected local user id in payload")
		default:
			t.Error("expected an envelope to be queued")
		}
	})
}

func TestSyncClientEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan Envelope, 8)
	connCh := make(chan *websocket.Conn, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"), "expected bearer token on dial")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade:", err)
			return
		}
		connCh <- conn

		go func() {
			for {
				var env Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				received <- env
			}
		}()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg, err := config.NewConfig(wsURL, "test-token", "self", 2*time.Second, "")
	require.NoError(t, err, "failed to create test config")

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(5)
	su.On("Incr", mock.Anything).Return(nil).Maybe()

	c, err := NewSyncClient(testutil.TestLogger(t), cfg, su)
	require.NoError(t, err, "failed to create test SyncClient")

	recorder := &topicRecorder{}
	c.Subscribe(recorder.record)

	go c.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, c.Shutdown(ctx), "expected clean shutdown")
	}()

	c.Login("test-token")

	var serverConn *websocket.Conn
	select {
	case serverConn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
	defer serverConn.Close()

	assert.Eventually(t, func() bool {
		return c.State() == Connected
	}, 2*time.Second, 10*time.Millisecond, "expected client to reach connected state")

	// presence snapshot
	require.NoError(t, serverConn.WriteJSON(Envelope{
		Event: EventOnlineUsers,
		Data:  mustMarshal(t, OnlineUsers{Users: []string{"1", "2", "3"}}),
	}), "failed to send presence snapshot")

	assert.Eventually(t, func() bool {
		return c.Presence.IsOnline("2")
	}, 2*time.Second, 10*time.Millisecond, "expected presence snapshot to be applied")

	// presence delta
	require.NoError(t, serverConn.WriteJSON(Envelope{
		Event: EventUserStatus,
		Data:  mustMarshal(t, UserStatusUpdate{UserId: "2", Status: types.UserStatusOffline}),
	}), "failed to send presence delta")

	assert.Eventually(t, func() bool {
		return !c.Presence.IsOnline("2") && c.Presence.IsOnline("1")
	}, 2*time.Second, 10*time.Millisecond, "expected presence delta to be applied")

	// a malformed frame must not break the dispatch loop
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte("not json")), "failed to send malformed frame")
	require.NoError(t, serverConn.WriteJSON(Envelope{
		Event: EventReceiveMessage,
		Data:  mustMarshal(t, MessageEvent{ConversationId: "42", UserId: "7"}),
	}), "failed to send message event")

	assert.Eventually(t, func() bool {
		return c.Invalidations.IsStale(MessagesKey("42"))
	}, 2*time.Second, 10*time.Millisecond, "expected invalidation after the malformed frame")

	// outbound join signal
	require.NoError(t, c.JoinConversation("42"), "expected join signal to queue")

	select {
	case env := <-received:
		assert.Equal(t, EventJoinConversation, env.Event, "expected a join envelope")
		assert.NotEmpty(t, env.Id, "expected a correlation id")

		var sig JoinConversationSignal
		require.NoError(t, json.Unmarshal(env.Data, &sig), "expected payload to decode")
		assert.Equal(t, "42", sig.ConversationId, "expected conversation id in payload")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the join signal")
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade:", err)
			return
		}
		connCh <- conn
		// keep the read side open so pings are consumed
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg, err := config.NewConfig(wsURL, "test-token", "self", 2*time.Second, "")
	require.NoError(t, err, "failed to create test config")

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(5)
	su.On("Incr", mock.Anything).Return(nil).Maybe()

	c, err := NewSyncClient(testutil.TestLogger(t), cfg, su)
	require.NoError(t, err, "failed to create test SyncClient")

	go c.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, c.Shutdown(ctx), "expected clean shutdown")
	}()

	c.Login("test-token")

	var first *websocket.Conn
	select {
	case first = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}

	// seed presence, then kill the connection
	require.NoError(t, first.WriteJSON(Envelope{
		Event: EventOnlineUsers,
		Data:  mustMarshal(t, OnlineUsers{Users: []string{"1"}}),
	}), "failed to send presence snapshot")

	assert.Eventually(t, func() bool {
		return c.Presence.IsOnline("1")
	}, 2*time.Second, 10*time.Millisecond, "expected presence snapshot to be applied")

	first.Close()

	// presence is untrusted until the next snapshot
	assert.Eventually(t, func() bool {
		return !c.Presence.IsOnline("1")
	}, 2*time.Second, 10*time.Millisecond, "expected presence to be stale after disconnect")

	var second *websocket.Conn
	select {
	case second = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	defer second.Close()

	assert.Eventually(t, func() bool {
		return c.State() == Connected
	}, 2*time.Second, 10*time.Millisecond, "expected client to reconnect")

	require.NoError(t, second.WriteJSON(Envelope{
		Event: EventOnlineUsers,
		Data:  mustMarshal(t, OnlineUsers{Users: []string{"1"}}),
	}), "failed to send second snapshot")

	assert.Eventually(t, func() bool {
		return c.Presence.IsOnline("1")
	}, 2*time.Second, 10*time.Millisecond, "expected the next snapshot to restore presence")
}
