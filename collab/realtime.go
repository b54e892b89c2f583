package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// realtime channel adapter. a single websocket multiplexes row change
// streams, presence channels and small broadcast messages using
// phoenix-style json frames:
//
//	{"topic": ..., "event": ..., "payload": ..., "ref": ...}
//
// the adapter owns only its side of the conversation; the wire protocol
// belongs to the backend.

const (
	realtimeEventJoin            = "phx_join"
	realtimeEventReply           = "phx_reply"
	realtimeEventLeave           = "phx_leave"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeEventPostgresChanges = "postgres_changes"
	realtimeEventPresenceState   = "presence_state"
	realtimeEventPresenceDiff    = "presence_diff"
	realtimeEventBroadcast       = "broadcast"
	realtimeEventPresence        = "presence"

	realtimeHeartbeatTopic = "phoenix"
)

type realtimeMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type Reconnect struct {
	endTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		endTime: time.Now().Add(timeout),
	}
}

// fires when the timeout measured from creation has fully elapsed
func (self *Reconnect) After() <-chan time.Time {
	return time.After(time.Until(self.endTime))
}

type RealtimeSettings struct {
	WsHandshakeTimeout time.Duration
	JoinTimeout        time.Duration
	HeartbeatTimeout   time.Duration
	ReconnectTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	EventBufferSize    int
}

func DefaultRealtimeSettings() *RealtimeSettings {
	return &RealtimeSettings{
		WsHandshakeTimeout: 2 * time.Second,
		JoinTimeout:        5 * time.Second,
		HeartbeatTimeout:   25 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
		EventBufferSize:    32,
	}
}

type RealtimeAuth struct {
	AccessToken string
}

// the session identity encoded in the access token claims.
// parsed without verification; the backend verifies on join.
func (self *RealtimeAuth) Identity() (*PresenceIdentity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.AccessToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	identity := &PresenceIdentity{}

	if sub, ok := claims["sub"]; ok {
		if subStr, ok := sub.(string); ok {
			if id, err := ParseId(subStr); err == nil {
				identity.Id = id
			}
		}
	}
	if email, ok := claims["email"]; ok {
		if emailStr, ok := email.(string); ok {
			identity.Email = emailStr
		}
	}
	if metadata, ok := claims["user_metadata"]; ok {
		if metadataMap, ok := metadata.(map[string]any); ok {
			if avatarUrl, ok := metadataMap["avatar_url"].(string); ok {
				identity.AvatarUrl = avatarUrl
			}
		}
	}

	return identity, nil
}

type realtimeTopicHandler interface {
	joinPayload() json.RawMessage
	handleMessage(message *realtimeMessage)
	handleDisconnect()
}

// implements `SubscribeStore` over one websocket connection.
// reconnects with a fixed timeout and rejoins all registered topics.
type RealtimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *RealtimeAuth

	settings *RealtimeSettings

	sendQueue chan *realtimeMessage

	stateLock sync.Mutex

	nextRef int
	topics  map[string]realtimeTopicHandler
}

func NewRealtimeClientWithDefaults(ctx context.Context, url string, auth *RealtimeAuth) *RealtimeClient {
	return NewRealtimeClient(ctx, url, auth, DefaultRealtimeSettings())
}

func NewRealtimeClient(ctx context.Context, url string, auth *RealtimeAuth, settings *RealtimeSettings) *RealtimeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &RealtimeClient{
		ctx:       cancelCtx,
		cancel:    cancel,
		url:       url,
		auth:      auth,
		settings:  settings,
		sendQueue: make(chan *realtimeMessage, settings.SendBufferSize),
		topics:    map[string]realtimeTopicHandler{},
	}
	go client.run()
	return client
}

func (self *RealtimeClient) makeRef() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextRef += 1
	return fmt.Sprintf("%d", self.nextRef)
}

func (self *RealtimeClient) registerTopic(topic string, handler realtimeTopicHandler) {
	self.stateLock.Lock()
	self.topics[topic] = handler
	self.stateLock.Unlock()

	self.sendJoin(topic, handler)
}

func (self *RealtimeClient) unregisterTopic(topic string) {
	self.stateLock.Lock()
	_, ok := self.topics[topic]
	delete(self.topics, topic)
	self.stateLock.Unlock()

	if ok {
		self.sendMessage(&realtimeMessage{
			Topic:   topic,
			Event:   realtimeEventLeave,
			Payload: json.RawMessage(`{}`),
			Ref:     self.makeRef(),
		})
	}
}

func (self *RealtimeClient) topicHandler(topic string) realtimeTopicHandler {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.topics[topic]
}

func (self *RealtimeClient) topicHandlers() map[string]realtimeTopicHandler {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	handlers := map[string]realtimeTopicHandler{}
	for topic, handler := range self.topics {
		handlers[topic] = handler
	}
	return handlers
}

func (self *RealtimeClient) sendJoin(topic string, handler realtimeTopicHandler) {
	self.sendMessage(&realtimeMessage{
		Topic:   topic,
		Event:   realtimeEventJoin,
		Payload: handler.joinPayload(),
		Ref:     self.makeRef(),
	})
}

func (self *RealtimeClient) sendMessage(message *realtimeMessage) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("client closed")
	case self.sendQueue <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send queue full")
	}
}

func (self *RealtimeClient) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			// rejoin every registered topic on each (re)connect
			for topic, handler := range self.topicHandlers() {
				joinBytes, err := json.Marshal(&realtimeMessage{
					Topic:   topic,
					Event:   realtimeEventJoin,
					Payload: handler.joinPayload(),
					Ref:     self.makeRef(),
				})
				if err != nil {
					return nil, err
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, joinBytes); err != nil {
					return nil, err
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[rt]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.sendQueue:
						if !ok {
							return
						}

						messageBytes, err := json.Marshal(message)
						if err != nil {
							glog.Infof("[rts]encode error = %s\n", err)
							continue
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
							glog.Infof("[rts]error = %s\n", err)
							return
						}
						glog.V(2).Infof("[rts]%s %s\n", message.Topic, message.Event)
					case <-time.After(self.settings.HeartbeatTimeout):
						heartbeatBytes, _ := json.Marshal(&realtimeMessage{
							Topic:   realtimeHeartbeatTopic,
							Event:   realtimeEventHeartbeat,
							Payload: json.RawMessage(`{}`),
							Ref:     self.makeRef(),
						})
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, heartbeatBytes); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, messageBytes, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[rtr]error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						var message realtimeMessage
						if err := json.Unmarshal(messageBytes, &message); err != nil {
							glog.Infof("[rtr]decode error = %s\n", err)
							continue
						}

						switch message.Event {
						case realtimeEventReply:
							glog.V(2).Infof("[rtr]reply %s\n", message.Topic)
						default:
							if handler := self.topicHandler(message.Topic); handler != nil {
								handler.handleMessage(&message)
							}
						}
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		for _, handler := range self.topicHandlers() {
			handler.handleDisconnect()
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *RealtimeClient) Close() {
	self.cancel()
}

// change stream

type postgresChangeData struct {
	Type      ChangeEventType `json:"type"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

type postgresChangePayload struct {
	Data postgresChangeData `json:"data"`
}

type realtimeChangeStream struct {
	client *RealtimeClient
	topic  string
	table  string

	stateLock sync.Mutex

	closed bool
	events chan *ChangeEvent
}

func (self *RealtimeClient) SubscribeChanges(ctx context.Context, table string) (ChangeStream, error) {
	select {
	case <-self.ctx.Done():
		return nil, fmt.Errorf("client closed")
	default:
	}

	stream := &realtimeChangeStream{
		client: self,
		topic:  fmt.Sprintf("realtime:changes:%s:%s", table, self.makeRef()),
		table:  table,
		events: make(chan *ChangeEvent, self.settings.EventBufferSize),
	}
	self.registerTopic(stream.topic, stream)
	return stream, nil
}

func (self *realtimeChangeStream) joinPayload() json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]any{
				{
					"event":  "*",
					"schema": "public",
					"table":  self.table,
				},
			},
		},
		"access_token": self.client.auth.AccessToken,
	})
	return payload
}

func (self *realtimeChangeStream) handleMessage(message *realtimeMessage) {
	if message.Event != realtimeEventPostgresChanges {
		return
	}

	var payload postgresChangePayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		glog.Infof("[rtr]change decode error = %s\n", err)
		return
	}

	event := &ChangeEvent{
		EventType: payload.Data.Type,
	}
	if 0 < len(payload.Data.Record) {
		var doc Document
		if err := json.Unmarshal(payload.Data.Record, &doc); err == nil {
			event.Row = &doc
		}
	}
	if 0 < len(payload.Data.OldRecord) {
		var oldRow struct {
			Id *Id `json:"id"`
		}
		if err := json.Unmarshal(payload.Data.OldRecord, &oldRow); err == nil {
			event.OldRowId = oldRow.Id
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	select {
	case self.events <- event:
	default:
		// backpressure. a missed event is reconciled by the next full fetch
		glog.Infof("[rtr]drop %s\n", self.topic)
	}
}

func (self *realtimeChangeStream) handleDisconnect() {
	// closing the stream makes the subscriber resubscribe
	self.closeEvents()
}

func (self *realtimeChangeStream) closeEvents() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.closed {
		self.closed = true
		close(self.events)
	}
}

func (self *realtimeChangeStream) Events() <-chan *ChangeEvent {
	return self.events
}

func (self *realtimeChangeStream) Close() {
	self.client.unregisterTopic(self.topic)
	self.closeEvents()
}

// presence channel

type presenceDiffPayload struct {
	Joins  map[string][]*PresenceIdentity `json:"joins"`
	Leaves map[string][]*PresenceIdentity `json:"leaves"`
}

type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type realtimePresenceChannel struct {
	client *RealtimeClient
	topic  string

	stateLock sync.Mutex

	// presence key -> attached sessions for that key
	state map[string][]*PresenceIdentity

	syncCallbacks      *CallbackList[PresenceSyncFunction]
	joinCallbacks      *CallbackList[PresenceJoinFunction]
	leaveCallbacks     *CallbackList[PresenceLeaveFunction]
	broadcastCallbacks map[string]*CallbackList[BroadcastFunction]
}

func (self *RealtimeClient) JoinPresence(ctx context.Context, channelName string) (PresenceChannel, error) {
	select {
	case <-self.ctx.Done():
		return nil, fmt.Errorf("client closed")
	default:
	}

	channel := &realtimePresenceChannel{
		client:             self,
		topic:              fmt.Sprintf("realtime:%s", channelName),
		state:              map[string][]*PresenceIdentity{},
		syncCallbacks:      NewCallbackList[PresenceSyncFunction](),
		joinCallbacks:      NewCallbackList[PresenceJoinFunction](),
		leaveCallbacks:     NewCallbackList[PresenceLeaveFunction](),
		broadcastCallbacks: map[string]*CallbackList[BroadcastFunction]{},
	}
	self.registerTopic(channel.topic, channel)
	return channel, nil
}

func (self *realtimePresenceChannel) joinPayload() json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"presence": map[string]any{
				"key": "",
			},
			"broadcast": map[string]any{
				"self": false,
			},
		},
		"access_token": self.client.auth.AccessToken,
	})
	return payload
}

func (self *realtimePresenceChannel) handleMessage(message *realtimeMessage) {
	switch message.Event {
	case realtimeEventPresenceState:
		var state map[string][]*PresenceIdentity
		if err := json.Unmarshal(message.Payload, &state); err != nil {
			glog.Infof("[rtr]presence decode error = %s\n", err)
			return
		}

		self.stateLock.Lock()
		self.state = state
		self.stateLock.Unlock()

		self.eventSync()
	case realtimeEventPresenceDiff:
		var diff presenceDiffPayload
		if err := json.Unmarshal(message.Payload, &diff); err != nil {
			glog.Infof("[rtr]presence decode error = %s\n", err)
			return
		}

		self.stateLock.Lock()
		// a leave removes one session per listed identity. other sessions
		// attached under the same presence key stay in the snapshot.
		for key, leftIdentities := range diff.Leaves {
			identities := slices.Clone(self.state[key])
			for _, left := range leftIdentities {
				i := slices.IndexFunc(identities, func(identity *PresenceIdentity) bool {
					return identity.Id == left.Id
				})
				if 0 <= i {
					identities = slices.Delete(identities, i, i+1)
				}
			}
			if 0 < len(identities) {
				self.state[key] = identities
			} else {
				delete(self.state, key)
			}
		}
		for key, identities := range diff.Joins {
			self.state[key] = append(slices.Clone(self.state[key]), identities...)
		}
		self.stateLock.Unlock()

		if joined := flattenPresence(diff.Joins); 0 < len(joined) {
			for _, joinCallback := range self.joinCallbacks.Get() {
				joinCallback(joined)
			}
		}
		if left := flattenPresence(diff.Leaves); 0 < len(left) {
			for _, leaveCallback := range self.leaveCallbacks.Get() {
				leaveCallback(left)
			}
		}
		self.eventSync()
	case realtimeEventBroadcast:
		var payload broadcastPayload
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			glog.Infof("[rtr]broadcast decode error = %s\n", err)
			return
		}

		var callbacks *CallbackList[BroadcastFunction]
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			callbacks = self.broadcastCallbacks[payload.Event]
		}()
		if callbacks != nil {
			for _, broadcastCallback := range callbacks.Get() {
				broadcastCallback(payload.Payload)
			}
		}
	}
}

func (self *realtimePresenceChannel) handleDisconnect() {
	// state goes stale until the next presence_state after rejoin
}

func (self *realtimePresenceChannel) eventSync() {
	state := self.State()
	for _, syncCallback := range self.syncCallbacks.Get() {
		syncCallback(state)
	}
}

func flattenPresence(state map[string][]*PresenceIdentity) []*PresenceIdentity {
	identities := []*PresenceIdentity{}
	for _, keyIdentities := range state {
		identities = append(identities, keyIdentities...)
	}
	return identities
}

func (self *realtimePresenceChannel) AddSyncCallback(callback PresenceSyncFunction) func() {
	callbackId := self.syncCallbacks.Add(callback)
	return func() {
		self.syncCallbacks.Remove(callbackId)
	}
}

func (self *realtimePresenceChannel) AddJoinCallback(callback PresenceJoinFunction) func() {
	callbackId := self.joinCallbacks.Add(callback)
	return func() {
		self.joinCallbacks.Remove(callbackId)
	}
}

func (self *realtimePresenceChannel) AddLeaveCallback(callback PresenceLeaveFunction) func() {
	callbackId := self.leaveCallbacks.Add(callback)
	return func() {
		self.leaveCallbacks.Remove(callbackId)
	}
}

func (self *realtimePresenceChannel) AddBroadcastCallback(event string, callback BroadcastFunction) func() {
	var callbacks *CallbackList[BroadcastFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks = self.broadcastCallbacks[event]
		if callbacks == nil {
			callbacks = NewCallbackList[BroadcastFunction]()
			self.broadcastCallbacks[event] = callbacks
		}
	}()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *realtimePresenceChannel) State() []*PresenceIdentity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return flattenPresence(self.state)
}

func (self *realtimePresenceChannel) Track(identity *PresenceIdentity) error {
	identityBytes, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&broadcastPayload{
		Type:    realtimeEventPresence,
		Event:   "track",
		Payload: identityBytes,
	})
	if err != nil {
		return err
	}
	return self.client.sendMessage(&realtimeMessage{
		Topic:   self.topic,
		Event:   realtimeEventPresence,
		Payload: payload,
		Ref:     self.client.makeRef(),
	})
}

func (self *realtimePresenceChannel) Broadcast(event string, payload []byte) error {
	messagePayload, err := json.Marshal(&broadcastPayload{
		Type:    realtimeEventBroadcast,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return self.client.sendMessage(&realtimeMessage{
		Topic:   self.topic,
		Event:   realtimeEventBroadcast,
		Payload: messagePayload,
		Ref:     self.client.makeRef(),
	})
}

func (self *realtimePresenceChannel) Leave() {
	self.client.unregisterTopic(self.topic)
}
