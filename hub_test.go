package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsHarness struct {
	*harness
	hub *Hub
	srv *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	h := newHarness(t)
	hub := newHub(zerolog.Nop())
	hub.SetEngine(h.engine)
	h.engine.pub = hub
	srv := httptest.NewServer(newRouter(h.engine, hub, zerolog.Nop()))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &wsHarness{harness: h, hub: hub, srv: srv}
}

// dial connects to the game's websocket as userID, or as a spectator when
// userID is empty, and waits until the hub has registered the connection.
func (w *wsHarness) dial(gameID, userID string) *websocket.Conn {
	w.t.Helper()
	before := w.hub.ClientCount(gameID)
	url := "ws" + strings.TrimPrefix(w.srv.URL, "http") + "/games/" + gameID + "/ws"
	header := http.Header{}
	if userID != "" {
		header.Set(userIDHeader, userID)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(w.t, err)
	resp.Body.Close()
	w.t.Cleanup(func() { conn.Close() })
	require.Eventually(w.t, func() bool { return w.hub.ClientCount(gameID) == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readToast(t *testing.T, conn *websocket.Conn) Toast {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var toast Toast
	require.NoError(t, conn.ReadJSON(&toast))
	return toast
}

// eventsUntil reads frames until an event of type last arrives and returns
// the types of every event seen on the way.
func eventsUntil(t *testing.T, conn *websocket.Conn, last EventType) []EventType {
	t.Helper()
	var seen []EventType
	for {
		toast := readToast(t, conn)
		if toast.Type != toastEvent {
			continue
		}
		seen = append(seen, toast.Event.Type)
		if toast.Event.Type == last {
			return seen
		}
	}
}

// replyTo reads frames until the answer to ref arrives.
func replyTo(t *testing.T, conn *websocket.Conn, ref string) Toast {
	t.Helper()
	for {
		toast := readToast(t, conn)
		if toast.Ref == ref {
			return toast
		}
	}
}

func TestWebSocketRoutesEventsByVisibility(t *testing.T) {
	w := newWSHarness(t)
	id, ps := w.start(map[Role]int{RoleWerewolf: 1, RoleSeer: 1}, 4)
	wolf, seer, villager := ps[0], ps[1], ps[2]

	seerConn := w.dial(id, seer.UserID)
	villagerConn := w.dial(id, villager.UserID)
	spectator := w.dial(id, "")

	require.NoError(t, seerConn.WriteJSON(WSMessage{Action: "night_action", Ref: "look", ActionType: ActionInvestigate, TargetID: &wolf.ID}))
	ack := replyTo(t, seerConn, "look")
	assert.Equal(t, toastAck, ack.Type)

	w.advance(id)
	require.NoError(t, w.engine.AppendStory(w.ctx, id, "The moon rose."))

	seerSaw := eventsUntil(t, seerConn, EventStory)
	assert.Contains(t, seerSaw, EventSeerResult)
	assert.Contains(t, seerSaw, EventPhaseChanged)

	villagerSaw := eventsUntil(t, villagerConn, EventStory)
	assert.NotContains(t, villagerSaw, EventSeerResult)
	assert.Contains(t, villagerSaw, EventPhaseChanged)

	spectatorSaw := eventsUntil(t, spectator, EventStory)
	assert.NotContains(t, spectatorSaw, EventSeerResult)
	assert.Contains(t, spectatorSaw, EventNoDeaths)
}

func TestWebSocketRejectsOutOfPhaseVote(t *testing.T) {
	w := newWSHarness(t)
	id, ps := w.start(map[Role]int{RoleWerewolf: 1}, 3)
	conn := w.dial(id, ps[1].UserID)

	require.NoError(t, conn.WriteJSON(WSMessage{Action: "vote", Ref: "v1", TargetID: &ps[0].ID}))
	toast := replyTo(t, conn, "v1")
	assert.Equal(t, toastRejected, toast.Type)
	assert.Equal(t, ReasonWrongPhase, toast.Reason)

	require.NoError(t, conn.WriteJSON(WSMessage{Action: "night_action", Ref: "a1", ActionType: ActionKill}))
	toast = replyTo(t, conn, "a1")
	assert.Equal(t, ReasonTargetRequired, toast.Reason)

	require.NoError(t, conn.WriteJSON(WSMessage{Action: "dance", Ref: "d1"}))
	toast = replyTo(t, conn, "d1")
	assert.Equal(t, ReasonBadRequest, toast.Reason)
}

func TestWebSocketSpectatorsCannotAct(t *testing.T) {
	w := newWSHarness(t)
	id, ps := w.start(map[Role]int{RoleWerewolf: 1}, 3)
	conn := w.dial(id, "outsider")

	require.NoError(t, conn.WriteJSON(WSMessage{Action: "vote", Ref: "v1", TargetID: &ps[0].ID}))
	toast := replyTo(t, conn, "v1")
	assert.Equal(t, toastRejected, toast.Type)
	assert.Equal(t, ReasonNotInGame, toast.Reason)
}

func TestWebSocketUnknownGame(t *testing.T) {
	w := newWSHarness(t)
	url := "ws" + strings.TrimPrefix(w.srv.URL, "http") + "/games/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketTracksPresence(t *testing.T) {
	w := newWSHarness(t)
	g := w.lobby(map[Role]int{RoleWerewolf: 1}, 3)
	conn := w.dial(g.ID, userID(2))
	watcher := w.dial(g.ID, userID(1))

	require.NoError(t, conn.Close())
	seen := eventsUntil(t, watcher, EventPlayerDisconnected)
	assert.Contains(t, seen, EventPlayerDisconnected)

	p := w.snap(g.ID).PlayerByUser(userID(2))
	require.NotNil(t, p)
	assert.NotNil(t, p.DisconnectedAt)

	w.dial(g.ID, userID(2))
	eventsUntil(t, watcher, EventPlayerReconnected)
	assert.Nil(t, w.snap(g.ID).PlayerByUser(userID(2)).DisconnectedAt)
}
