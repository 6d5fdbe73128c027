package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// WSMessage is an inbound message from a client.
type WSMessage struct {
	Action            string     `json:"action"`
	Ref               string     `json:"ref,omitempty"`
	ActionType        ActionType `json:"action_type,omitempty"`
	TargetID          *int64     `json:"target_id,omitempty"`
	SecondaryTargetID *int64     `json:"secondary_target_id,omitempty"`
}

// Client is one websocket connection watching one game.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	gameID string
	userID string // empty for spectators
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue queues a frame without blocking. It reports false when the buffer
// is full: a client too slow to keep up is dropped and catches up through the
// event log after reconnecting. Frames for a closed client are discarded.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) sendToast(t Toast) {
	msg, err := t.encode()
	if err != nil {
		c.hub.log.Error().Err(err).Msg("encode toast")
		return
	}
	if !c.enqueue(msg) {
		c.hub.drop(c)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans committed events out to the websocket clients of each game. Every
// client only receives the events its viewer may see, in commit order.
type Hub struct {
	engine   *Engine
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	games map[string]map[*Client]struct{}
}

func newHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log,
		games: make(map[string]map[*Client]struct{}),
	}
}

// SetEngine connects the hub to the engine handling inbound messages.
func (h *Hub) SetEngine(e *Engine) {
	h.engine = e
}

// Publish implements Publisher. It runs under the game's lock, so frames of
// one game are queued in commit order.
func (h *Hub) Publish(gameID string, events []GameEvent, players []Player) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.games[gameID]))
	for c := range h.games[gameID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	byUser := make(map[string]*Player, len(players))
	for i := range players {
		byUser[players[i].UserID] = &players[i]
	}
	frames := make([][]byte, len(events))
	for i, e := range events {
		msg, err := eventToast(e).encode()
		if err != nil {
			h.log.Error().Err(err).Str("game_id", gameID).Msg("encode event")
			continue
		}
		frames[i] = msg
	}

	for _, c := range clients {
		viewer := byUser[c.userID]
		for i, e := range events {
			if frames[i] == nil || !CanSee(e, viewer) {
				continue
			}
			if !c.enqueue(frames[i]) {
				h.log.Warn().Str("game_id", gameID).Msg("client too slow, dropping connection")
				h.drop(c)
				break
			}
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.games[c.gameID]
	if !ok {
		set = make(map[*Client]struct{})
		h.games[c.gameID] = set
	}
	set[c] = struct{}{}
}

// unregister removes c and reports whether its user has no other connection
// to the same game.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.games[c.gameID]
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	c.close()
	if len(set) == 0 {
		delete(h.games, c.gameID)
	}
	for other := range set {
		if other.userID == c.userID {
			return false
		}
	}
	return true
}

// drop disconnects a client; its read loop then unregisters it.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if set := h.games[c.gameID]; set != nil {
		if _, ok := set[c]; ok {
			c.close()
		}
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connections watching gameID.
func (h *Hub) ClientCount(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.games[gameID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.games {
		for c := range set {
			c.close()
		}
	}
}

// ServeWS upgrades the request and attaches the connection to gameID.
// userID is empty for spectators.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, gameID, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("game_id", gameID).Msg("websocket upgrade failed")
		return
	}
	c := &Client{
		hub:    h,
		conn:   conn,
		gameID: gameID,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
	h.register(c)
	h.log.Debug().Str("game_id", gameID).Bool("spectator", userID == "").Msg("websocket client connected")

	if userID != "" && h.engine != nil {
		if err := h.engine.MarkReconnected(context.Background(), gameID, userID); err != nil {
			h.log.Warn().Err(err).Str("game_id", gameID).Msg("mark reconnected")
		}
	}

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	h := c.hub
	defer func() {
		last := h.unregister(c)
		c.conn.Close()
		h.log.Debug().Str("game_id", c.gameID).Msg("websocket client disconnected")
		if last && c.userID != "" && h.engine != nil {
			if err := h.engine.MarkDisconnected(context.Background(), c.gameID, c.userID); err != nil && KindOf(err) != KindNotFound {
				h.log.Warn().Err(err).Str("game_id", c.gameID).Msg("mark disconnected")
			}
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("game_id", c.gameID).Msg("websocket read error")
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendToast(rejectedToast("", ReasonBadRequest, "malformed message"))
			continue
		}
		h.handleMessage(context.Background(), c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage routes an inbound message to the engine and answers the
// acting client with an ack, a rejection or an error.
func (h *Hub) handleMessage(ctx context.Context, c *Client, msg WSMessage) {
	if c.userID == "" {
		c.sendToast(rejectedToast(msg.Ref, ReasonNotInGame, "spectators cannot act"))
		return
	}
	switch msg.Action {
	case "vote":
		out, err := h.engine.CastVote(ctx, c.gameID, c.userID, msg.TargetID)
		switch {
		case err != nil:
			h.reportError(c, msg.Ref, err)
		case !out.Accepted:
			c.sendToast(rejectedToast(msg.Ref, out.Reason, out.Message))
		default:
			c.sendToast(ackToast(msg.Ref, out))
		}
	case "night_action", "shoot":
		if msg.TargetID == nil {
			c.sendToast(rejectedToast(msg.Ref, ReasonTargetRequired, "target_id is required"))
			return
		}
		var (
			out ActionOutcome
			err error
		)
		if msg.Action == "shoot" {
			out, err = h.engine.HunterShoot(ctx, c.gameID, c.userID, *msg.TargetID)
		} else {
			out, err = h.engine.PerformNightAction(ctx, c.gameID, c.userID, msg.ActionType, *msg.TargetID, msg.SecondaryTargetID)
		}
		switch {
		case err != nil:
			h.reportError(c, msg.Ref, err)
		case !out.Accepted:
			c.sendToast(rejectedToast(msg.Ref, out.Reason, out.Message))
		default:
			c.sendToast(ackToast(msg.Ref, out))
		}
	default:
		c.sendToast(rejectedToast(msg.Ref, ReasonBadRequest, "unknown action "+msg.Action))
	}
}

func (h *Hub) reportError(c *Client, ref string, err error) {
	if KindOf(err) == KindInternal {
		h.log.Error().Err(err).Str("game_id", c.gameID).Msg("websocket action failed")
	}
	c.sendToast(errorToast(ref, err))
}
