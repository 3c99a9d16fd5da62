package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/device-hub-core/internal/auth"
	"github.com/nerrad567/device-hub-core/internal/dispatch"
	"github.com/nerrad567/device-hub-core/internal/entity"
	"github.com/nerrad567/device-hub-core/internal/subscription"
)

// WebSocket protocol actions.
const (
	wsActionCommandSubscribe        = "command/subscribe"
	wsActionCommandUnsubscribe      = "command/unsubscribe"
	wsActionCommandInsert           = "command/insert"
	wsActionCommandUpdate           = "command/update"
	wsActionNotificationSubscribe   = "notification/subscribe"
	wsActionNotificationUnsubscribe = "notification/unsubscribe"
	wsActionNotificationInsert      = "notification/insert"
	wsActionSubscribeList           = "subscribe/list"
	wsActionPing                    = "ping"
)

// wsSendBufferSize is the per-client control/replay message buffer size.
const wsSendBufferSize = 256

// wsRequest is the envelope for client-originated frames. Fields
// beyond action/requestId are populated per action.
type wsRequest struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId"`

	DeviceGUIDs    []string `json:"deviceGuids,omitempty"`
	Names          []string `json:"names,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
	SubscriptionID string   `json:"subscriptionId,omitempty"`

	DeviceGUID   string          `json:"deviceGuid,omitempty"`
	CommandID    int64           `json:"commandId,omitempty"`
	Command      json.RawMessage `json:"command,omitempty"`
	Notification json.RawMessage `json:"notification,omitempty"`
}

// wsPayload is the name/parameters body of an insert, or the
// status/result body of an update.
type wsPayload struct {
	Command      string          `json:"command"`
	Notification string          `json:"notification"`
	Parameters   json.RawMessage `json:"parameters"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result"`
}

// wsClient is one push protocol connection.
type wsClient struct {
	server    *Server
	conn      *websocket.Conn
	id        string
	principal *auth.Principal
	send      chan []byte
	sink      *dispatch.ChannelSink
	closeOnce sync.Once
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleWebSocket upgrades the connection and starts the push
// protocol. The auth middleware has already resolved the principal.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w, "missing access token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		server:    s,
		conn:      conn,
		id:        uuid.New().String(),
		principal: principal,
		send:      make(chan []byte, wsSendBufferSize),
		sink:      dispatch.NewChannelSink(s.dispCfg.PushQueueSize),
	}
	s.dispatcher.AttachSink(client.id, client.sink)
	s.logger.Debug("websocket client connected", "subscriber", client.id)

	go client.writePump(time.Duration(s.wsCfg.PingInterval)*time.Second,
		time.Duration(s.wsCfg.PongTimeout)*time.Second)
	go client.readPump(int64(s.wsCfg.MaxMessageSize),
		time.Duration(s.wsCfg.PingInterval)*time.Second,
		time.Duration(s.wsCfg.PongTimeout)*time.Second)
}

// teardown releases all per-connection state exactly once:
// subscriptions, waiters, the sink, and the socket itself.
func (c *wsClient) teardown() {
	c.closeOnce.Do(func() {
		c.server.dispatcher.DetachSink(c.id)
		c.conn.Close()
		c.server.logger.Debug("websocket client disconnected", "subscriber", c.id)
	})
}

// readPump reads and dispatches client frames until the connection
// drops.
func (c *wsClient) readPump(maxMessageSize int64, pingInterval, pongWait time.Duration) {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleFrame(message)
	}
}

// writePump owns all writes to the socket: control/replay frames from
// send, live deliveries from the sink, and protocol pings. The send
// channel is drained with priority so subscribe replies and replayed
// entities precede live deliveries queued behind them.
func (c *wsClient) writePump(pingInterval, pongWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case message := <-c.send:
			if !c.writeMessage(message, pongWait) {
				return
			}
			continue
		default:
		}

		select {
		case message := <-c.send:
			if !c.writeMessage(message, pongWait) {
				return
			}
		case delivery := <-c.sink.C:
			data, err := json.Marshal(pushFrame(delivery))
			if err != nil {
				continue
			}
			if !c.writeMessage(data, pongWait) {
				return
			}
		case reason := <-c.sink.Closed:
			//nolint:errcheck // Best-effort close frame
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
			return
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) writeMessage(data []byte, pongWait time.Duration) bool {
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.conn.SetWriteDeadline(time.Now().Add(pongWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// pushFrame shapes a live delivery for the wire.
func pushFrame(d dispatch.Delivery) map[string]any {
	action := wsActionNotificationInsert
	payloadKey := "notification"
	if d.Entity.Kind == entity.KindCommand {
		payloadKey = "command"
		if d.Entity.IsUpdate {
			action = wsActionCommandUpdate
		} else {
			action = wsActionCommandInsert
		}
	}
	return map[string]any{
		"action":         action,
		"subscriptionId": d.Subscription.ID,
		"deviceGuid":     d.Entity.DeviceID,
		payloadKey:       projectEntity(d.Entity),
	}
}

// handleFrame parses one client frame and routes it by action.
func (c *wsClient) handleFrame(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "", "invalid JSON frame")
		return
	}

	switch req.Action {
	case wsActionCommandSubscribe:
		c.handleSubscribe(req, entity.KindCommand)
	case wsActionNotificationSubscribe:
		c.handleSubscribe(req, entity.KindNotification)
	case wsActionCommandUnsubscribe:
		c.handleUnsubscribe(req, entity.KindCommand)
	case wsActionNotificationUnsubscribe:
		c.handleUnsubscribe(req, entity.KindNotification)
	case wsActionCommandInsert:
		c.handleInsert(req, entity.KindCommand)
	case wsActionNotificationInsert:
		c.handleInsert(req, entity.KindNotification)
	case wsActionCommandUpdate:
		c.handleCommandUpdate(req)
	case wsActionSubscribeList:
		c.handleSubscribeList(req)
	case wsActionPing:
		c.sendSuccess(req.Action, req.RequestID, nil)
	default:
		c.sendError(req.Action, req.RequestID, "unknown action: "+req.Action)
	}
}

// handleSubscribe registers the live subscription first and replays
// the stored backlog afterwards. The subscription starts gated, so
// entities appended during the replay query buffer instead of racing
// it; Release then drains whatever the replay did not cover through
// the per-device cursor, which also deduplicates the overlap.
func (c *wsClient) handleSubscribe(req wsRequest, kind entity.Kind) {
	since := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			c.sendError(req.Action, req.RequestID, "timestamp must be RFC 3339")
			return
		}
		since = parsed
	}

	sub, err := c.server.subscription.Subscribe(c.principal, c.id, subscription.Request{
		Kind:      kind,
		Mode:      subscription.ModePush,
		DeviceIDs: req.DeviceGUIDs,
		Names:     req.Names,
		Since:     since,
	})
	if err != nil {
		c.sendError(req.Action, req.RequestID, err.Error())
		return
	}

	filter := entity.Filter{Names: req.Names}
	if !sub.AllDevices {
		for id := range sub.DeviceIDs {
			filter.DeviceIDs = append(filter.DeviceIDs, id)
		}
	}

	ctx := auth.WithPrincipal(context.Background(), c.principal)
	backlog, err := c.server.store.QueryAfter(ctx, kind, filter, since, c.server.dispCfg.ReplayLimit)
	if err != nil {
		//nolint:errcheck // Best-effort rollback of the registration
		c.server.subscription.Remove(c.id, sub.ID)
		c.server.logger.Error("websocket replay query", "kind", kind, "error", err)
		c.sendError(req.Action, req.RequestID, "internal server error")
		return
	}

	c.sendSuccess(req.Action, req.RequestID, map[string]any{"subscriptionId": sub.ID})
	for i := range backlog {
		if sub.Advance(&backlog[i]) {
			c.trySend(pushFrame(dispatch.Delivery{Subscription: sub, Entity: &backlog[i]}))
		}
	}
	for _, e := range sub.Release() {
		c.trySend(pushFrame(dispatch.Delivery{Subscription: sub, Entity: e}))
	}
}

// handleUnsubscribe detaches by subscription ID when given, otherwise
// prunes by device/name filters. Unknown IDs still succeed: the end
// state the client asked for already holds.
func (c *wsClient) handleUnsubscribe(req wsRequest, kind entity.Kind) {
	if req.SubscriptionID != "" {
		//nolint:errcheck // Removal of an already-gone subscription is success
		c.server.subscription.Remove(c.id, req.SubscriptionID)
	} else {
		c.server.subscription.Unsubscribe(c.id, kind, req.DeviceGUIDs, req.Names)
	}
	c.sendSuccess(req.Action, req.RequestID, nil)
}

// handleInsert appends an entity through the shared REST insert path.
func (c *wsClient) handleInsert(req wsRequest, kind entity.Kind) {
	var payload wsPayload
	body := req.Notification
	if kind == entity.KindCommand {
		body = req.Command
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			c.sendError(req.Action, req.RequestID, "invalid entity payload")
			return
		}
	}

	name := payload.Notification
	if kind == entity.KindCommand {
		name = payload.Command
	}
	if name == "" {
		c.sendError(req.Action, req.RequestID, "entity name is required")
		return
	}
	if req.DeviceGUID == "" {
		c.sendError(req.Action, req.RequestID, "deviceGuid is required")
		return
	}

	e := &entity.Entity{
		Kind:       kind,
		DeviceID:   req.DeviceGUID,
		Name:       name,
		Parameters: payload.Parameters,
	}
	ctx := auth.WithPrincipal(context.Background(), c.principal)
	if err := c.server.insertEntity(ctx, c.principal, e); err != nil {
		c.sendError(req.Action, req.RequestID, err.Error())
		return
	}

	c.sendSuccess(req.Action, req.RequestID, map[string]any{
		"id":        e.ID,
		"timestamp": e.Timestamp,
	})
}

// handleCommandUpdate records a command update through the shared path.
func (c *wsClient) handleCommandUpdate(req wsRequest) {
	if req.DeviceGUID == "" || req.CommandID == 0 {
		c.sendError(req.Action, req.RequestID, "deviceGuid and commandId are required")
		return
	}

	var payload wsPayload
	if len(req.Command) > 0 {
		if err := json.Unmarshal(req.Command, &payload); err != nil {
			c.sendError(req.Action, req.RequestID, "invalid update payload")
			return
		}
	}

	ctx := auth.WithPrincipal(context.Background(), c.principal)
	if err := c.server.updateCommandEntity(ctx, c.principal, req.DeviceGUID, req.CommandID, payload.Status, payload.Result); err != nil {
		c.sendError(req.Action, req.RequestID, err.Error())
		return
	}
	c.sendSuccess(req.Action, req.RequestID, nil)
}

// subscriptionView is the wire shape of one live subscription.
type subscriptionView struct {
	SubscriptionID string   `json:"subscriptionId"`
	Type           string   `json:"type"`
	DeviceGUIDs    []string `json:"deviceGuids,omitempty"`
	Names          []string `json:"names,omitempty"`
}

// handleSubscribeList reports the connection's live subscriptions.
func (c *wsClient) handleSubscribeList(req wsRequest) {
	subs := c.server.subscription.ListFor(c.id)
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		v := subscriptionView{
			SubscriptionID: sub.ID,
			Type:           string(sub.Kind),
		}
		if !sub.AllDevices {
			for id := range sub.DeviceIDs {
				v.DeviceGUIDs = append(v.DeviceGUIDs, id)
			}
		}
		for n := range sub.Names {
			v.Names = append(v.Names, n)
		}
		views = append(views, v)
	}
	c.sendSuccess(req.Action, req.RequestID, map[string]any{"subscriptions": views})
}

// sendSuccess queues a success response frame.
func (c *wsClient) sendSuccess(action, requestID string, extra map[string]any) {
	frame := map[string]any{
		"action":    action,
		"requestId": requestID,
		"status":    "success",
	}
	for k, v := range extra {
		frame[k] = v
	}
	c.trySend(frame)
}

// sendError queues an error response frame echoing the request ID.
func (c *wsClient) sendError(action, requestID, message string) {
	c.trySend(map[string]any{
		"action":    action,
		"requestId": requestID,
		"status":    "error",
		"error":     message,
	})
}

// trySend marshals and queues a frame, dropping it if the outbound
// buffer is full (slow client).
func (c *wsClient) trySend(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("websocket send buffer full, dropping frame", "subscriber", c.id)
	}
}
