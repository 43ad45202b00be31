package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 65536

	initialRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrSendQueueFull = errors.New("send queue is full")
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Topics passed to observer callbacks when state changes.
const (
	TopicConnection    = "connection"
	TopicPresence      = "presence"
	TopicConversations = "conversations"
	TopicUsers         = "users"
)

func TopicMessages(conversationId string) string {
	return "messages:" + conversationId
}

func TopicTyping(conversationId string) string {
	return "typing:" + conversationId
}

type handlerFunc func(data json.RawMessage) error

type inboundEvent struct {
	gen uint64
	env Envelope
}

type transportError struct {
	gen uint64
	err error
}

// SyncClient bridges the chat server's event stream to the in-memory
// presence, typing, invalidation and conversation state. Events are
// applied one at a time in arrival order by the Run loop, which also
// owns every connect/disconnect transition. Connections come and go
// with the authenticated signal: Login starts a session, Logout or a
// lapsed token ends it, and transport failures trigger reconnects with
// capped backoff for as long as a token is held.
type SyncClient struct {
	log   *logrus.Logger
	cfg   *config.Config
	stats stats.StatsProvider

	Presence      *PresenceTracker
	Typing        *TypingIndicator
	Invalidations *InvalidationRegistry
	Conversations *ConversationIndex

	dialer *websocket.Dialer

	loginChan  chan string
	logoutChan chan struct{}
	retryChan  chan uint64
	eventChan  chan *inboundEvent
	errChan    chan *transportError
	send       chan *Envelope
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	// owned by the Run loop
	token       string
	gen         uint64
	connId      string
	conn        *websocket.Conn
	handlers    map[string]handlerFunc
	pumpStop    chan struct{}
	retryDelay  time.Duration
	expiryTimer *time.Timer

	stateLock sync.Mutex
	state     ConnectionState

	obsLock     sync.Mutex
	observers   []func(topic string)
	userCreated func(user types.User)
}

func NewSyncClient(logger *logrus.Logger, cfg *config.Config, sp stats.StatsProvider) (*SyncClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	c := &SyncClient{
		log:           logger,
		cfg:           cfg,
		stats:         sp,
		Presence:      NewPresenceTracker(),
		Invalidations: NewInvalidationRegistry(),
		Conversations: NewConversationIndex(),
		dialer:        websocket.DefaultDialer,
		loginChan:     make(chan string, 1),
		logoutChan:    make(chan struct{}, 1),
		retryChan:     make(chan uint64, 1),
		eventChan:     make(chan *inboundEvent, 256),
		errChan:       make(chan *transportError, 1),
		send:          make(chan *Envelope, 256),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		retryDelay:    initialRetryDelay,
	}

	c.Typing = NewTypingIndicator(cfg.UserId, cfg.TypingTimeout, func(conversationId string) {
		sp.Incr(stats.TypingExpired)
		c.notifyObservers(TopicTyping(conversationId))
	})

	sp.RegisterMetric(stats.EventsReceived)
	sp.RegisterMetric(stats.EventsDropped)
	sp.RegisterMetric(stats.Invalidations)
	sp.RegisterMetric(stats.Reconnects)
	sp.RegisterMetric(stats.TypingExpired)

	return c, nil
}

// Run processes the authenticated signal, transport lifecycle and
// inbound events until Shutdown is called. All state mutation happens
// here, one event at a time in arrival order.
func (c *SyncClient) Run() {
	for {
		select {
		case token := <-c.loginChan:
			c.handleLogin(token)
		case <-c.logoutChan:
			c.handleLogout()
		case gen := <-c.retryChan:
			c.handleRetry(gen)
		case ev := <-c.eventChan:
			c.dispatch(ev)
		case terr := <-c.errChan:
			c.handleTransportError(terr)
		case <-c.stop:
			c.teardownSession()
			c.Typing.Stop()
			close(c.done)
			return
		}
	}
}

// Login marks the session authenticated and starts the connection.
func (c *SyncClient) Login(token string) {
	select {
	case c.loginChan <- token:
	case <-c.stop:
	}
}

// Logout drops the authenticated signal and disconnects. Cached state
// other than presence is retained.
func (c *SyncClient) Logout() {
	select {
	case c.logoutChan <- struct{}{}:
	case <-c.stop:
	}
}

func (c *SyncClient) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SyncClient) State() ConnectionState {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *SyncClient) setState(state ConnectionState) {
	c.stateLock.Lock()
	changed := c.state != state
	c.state = state
	c.stateLock.Unlock()

	if changed {
		c.notifyObservers(TopicConnection)
	}
}

// Subscribe registers a callback invoked with a topic whenever state
// the presentation layer may care about changes. Callbacks must not
// block; they should re-read whatever state the topic refers to.
func (c *SyncClient) Subscribe(fn func(topic string)) {
	c.obsLock.Lock()
	defer c.obsLock.Unlock()
	c.observers = append(c.observers, fn)
}

// OnUserCreated registers the pass-through hook for user_created events,
// typically appending to the fetch layer's user list cache.
func (c *SyncClient) OnUserCreated(fn func(user types.User)) {
	c.obsLock.Lock()
	defer c.obsLock.Unlock()
	c.userCreated = fn
}

func (c *SyncClient) notifyObservers(topic string) {
	c.obsLock.Lock()
	observers := make([]func(string), len(c.observers))
	copy(observers, c.observers)
	c.obsLock.Unlock()

	for _, fn := range observers {
		fn(topic)
	}
}

func (c *SyncClient) handleLogin(token string) {
	if c.token == token && c.State() != Disconnected {
		return
	}

	if c.token != "" {
		// replacing an existing session
		c.teardownSession()
	}

	if exp, ok := tokenExpiry(token); ok {
		if !exp.After(time.Now()) {
			c.log.Warn("refusing login with expired token")
			return
		}

		if c.expiryTimer != nil {
			c.expiryTimer.Stop()
		}
		c.expiryTimer = time.AfterFunc(time.Until(exp), func() {
			c.log.Warn("session token expired")
			select {
			case c.logoutChan <- struct{}{}:
			default:
			}
		})
	}

	c.token = token
	c.retryDelay = initialRetryDelay
	c.connect()
}

func (c *SyncClient) handleLogout() {
	c.log.Info("logging out")
	c.teardownSession()
}

// teardownSession closes any connection and clears the authenticated
// signal so no reconnect is attempted.
func (c *SyncClient) teardownSession() {
	c.token = ""
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
	c.closeConn()
	c.setState(Disconnected)
}

func (c *SyncClient) connect() {
	c.gen++
	c.setState(Connecting)

	c.connId = uuid.NewString()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := c.dialer.Dial(c.cfg.ServerURL, header)
	if err != nil {
		c.log.WithError(err).Warnf("dial %q failed", c.cfg.ServerURL)
		c.scheduleRetry()
		return
	}

	c.conn = conn
	c.retryDelay = initialRetryDelay
	c.registerHandlers()
	c.pumpStop = make(chan struct{})
	c.setState(Connected)

	c.log.WithFields(logrus.Fields{
		"conn_id": c.connId,
		"url":     c.cfg.ServerURL,
	}).Info("connected")

	go c.readPump(conn, c.gen)
	go c.writePump(conn, c.gen, c.pumpStop)
}

// registerHandlers installs the event-kind-to-handler table for the
// current connection. The previous table is discarded first, so a
// reconnect can never leave a binding registered twice.
func (c *SyncClient) registerHandlers() {
	c.handlers = map[string]handlerFunc{
		EventOnlineUsers:    c.handleOnlineUsers,
		EventUserStatus:     c.handleUserStatus,
		EventUserTyping:     c.handleUserTyping,
		EventReceiveMessage: c.handleReceiveMessage,
		EventDeleteMessage:  c.handleDeleteMessage,
		EventDeleteForMe:    c.handleDeleteMessage,
		EventLastMessage:    c.handleLastMessage,
		EventUserCreated:    c.handleUserCreated,
	}
}

func (c *SyncClient) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.pumpStop != nil {
		close(c.pumpStop)
		c.pumpStop = nil
	}
	c.handlers = nil
	c.gen++

	// presence can't be trusted again until the next snapshot
	c.Presence.Invalidate()

	// drop queued outbound signals, they belong to the old connection
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func (c *SyncClient) scheduleRetry() {
	gen := c.gen
	delay := c.retryDelay

	c.retryDelay *= 2
	if c.retryDelay > maxRetryDelay {
		c.retryDelay = maxRetryDelay
	}

	c.log.Infof("retrying connection in %s", delay)
	time.AfterFunc(delay, func() {
		select {
		case c.retryChan <- gen:
		default:
		}
	})
}

func (c *SyncClient) handleRetry(gen uint64) {
	// the timer may fire after a logout, a shutdown or a newer
	// connection attempt
	if gen != c.gen || c.token == "" || c.State() == Connected {
		return
	}
	c.connect()
}

func (c *SyncClient) handleTransportError(terr *transportError) {
	if terr.gen != c.gen {
		return
	}

	if websocket.IsUnexpectedCloseError(terr.err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
		websocket.CloseNormalClosure) {
		c.log.WithField("conn_id", c.connId).WithError(terr.err).Warn("transport error")
	} else {
		c.log.WithField("conn_id", c.connId).Info("connection closed")
	}

	c.closeConn()

	if c.token == "" {
		c.setState(Disconnected)
		return
	}

	c.stats.Incr(stats.Reconnects)
	c.setState(Connecting)
	c.scheduleRetry()
}

func (c *SyncClient) dispatch(ev *inboundEvent) {
	if ev.gen != c.gen {
		// event from a torn-down connection
		return
	}

	handler, ok := c.handlers[ev.env.Event]
	if !ok {
		c.log.Debugf("no handler for event %q", ev.env.Event)
		c.stats.Incr(stats.EventsDropped)
		return
	}

	if err := handler(ev.env.Data); err != nil {
		c.log.WithError(err).Warnf("dropping %s event", ev.env.Event)
		c.stats.Incr(stats.EventsDropped)
		return
	}

	c.stats.Incr(stats.EventsReceived)
}

func (c *SyncClient) handleOnlineUsers(data json.RawMessage) error {
	var p OnlineUsers
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode online users: %w", err)
	}

	c.Presence.ApplySnapshot(p.Users)
	c.notifyObservers(TopicPresence)
	return nil
}

func (c *SyncClient) handleUserStatus(data json.RawMessage) error {
	var p UserStatusUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode user status: %w", err)
	}
	if p.UserId == "" {
		return fmt.Errorf("user status event is missing user_id")
	}

	if c.Presence.ApplyDelta(p.UserId, p.Status) {
		c.notifyObservers(TopicPresence)
	}
	return nil
}

func (c *SyncClient) handleUserTyping(data json.RawMessage) error {
	var p TypingEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode typing event: %w", err)
	}
	if p.ConversationId == "" || p.UserId == "" {
		return fmt.Errorf("typing event is missing conversation_id or user_id")
	}

	if c.Typing.OnTypingEvent(p.ConversationId, p.UserId, time.Now()) {
		c.notifyObservers(TopicTyping(p.ConversationId))
	}
	return nil
}

func (c *SyncClient) handleReceiveMessage(data json.RawMessage) error {
	var p MessageEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode message event: %w", err)
	}
	if p.ConversationId == "" {
		return fmt.Errorf("message event is missing conversation_id")
	}

	c.invalidateConversation(p.ConversationId)

	// a message from the typing sender ends their typing indicator
	if p.UserId != "" && c.Typing.ClearSender(p.ConversationId, p.UserId) {
		c.notifyObservers(TopicTyping(p.ConversationId))
	}

	c.notifyObservers(TopicMessages(p.ConversationId))
	return nil
}

func (c *SyncClient) handleDeleteMessage(data json.RawMessage) error {
	var p MessageEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode delete event: %w", err)
	}
	if p.ConversationId == "" {
		return fmt.Errorf("delete event is missing conversation_id")
	}

	c.invalidateConversation(p.ConversationId)
	c.notifyObservers(TopicMessages(p.ConversationId))
	return nil
}

func (c *SyncClient) invalidateConversation(conversationId string) {
	c.Invalidations.Invalidate(MessagesKey(conversationId))
	c.Invalidations.Invalidate(ConversationMetaKey(conversationId))
	c.stats.Incr(stats.Invalidations)
}

func (c *SyncClient) handleLastMessage(data json.RawMessage) error {
	var p LastMessageEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode last message event: %w", err)
	}
	if p.ConversationId == "" {
		return fmt.Errorf("last message event is missing conversation_id")
	}

	if c.Conversations.ApplyLastMessage(p.ConversationId, p.Text, p.UpdatedAt, p.UserId) {
		c.notifyObservers(TopicConversations)
	}
	return nil
}

func (c *SyncClient) handleUserCreated(data json.RawMessage) error {
	var p UserCreatedEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode user created event: %w", err)
	}
	if p.User.Id == "" {
		return fmt.Errorf("user created event is missing user id")
	}

	c.obsLock.Lock()
	userCreated := c.userCreated
	c.obsLock.Unlock()

	if userCreated != nil {
		userCreated(p.User)
	}
	c.notifyObservers(TopicUsers)
	return nil
}

// JoinConversation tells the server to start delivering events for a
// conversation, typically when its view opens.
func (c *SyncClient) JoinConversation(conversationId string) error {
	if conversationId == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}

	return c.emit(EventJoinConversation, JoinConversationSignal{
		ConversationId: conversationId,
	})
}

// NotifyTyping tells the server the local user is composing a message.
// Throttling is the caller's responsibility.
func (c *SyncClient) NotifyTyping(conversationId string) error {
	if conversationId == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}

	return c.emit(EventTyping, TypingSignal{
		ConversationId: conversationId,
		UserId:         c.cfg.UserId,
	})
}

func (c *SyncClient) emit(event string, payload any) error {
	if c.State() != Connected {
		return ErrNotConnected
	}

	env, err := newEnvelope(event, payload)
	if err != nil {
		return err
	}

	select {
	case c.send <- env:
		return nil
	default:
		c.log.Warnf("send queue full, dropping %s signal", event)
		return ErrSendQueueFull
	}
}

func (c *SyncClient) readPump(conn *websocket.Conn, gen uint64) {
	defer func() {
		conn.Close()
		c.log.Debug("read pump exiting")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.reportError(gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.WithError(err).Warn("dropping malformed frame")
			c.stats.Incr(stats.EventsDropped)
			continue
		}

		select {
		case c.eventChan <- &inboundEvent{gen: gen, env: env}:
		case <-c.stop:
			return
		}
	}
}

func (c *SyncClient) writePump(conn *websocket.Conn, gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		c.log.Debug("write pump exiting")
	}()

	for {
		select {
		case env := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				c.reportError(gen, fmt.Errorf("write %s: %w", env.Event, err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.reportError(gen, err)
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *SyncClient) reportError(gen uint64, err error) {
	select {
	case c.errChan <- &transportError{gen: gen, err: err}:
	default:
	}
}
