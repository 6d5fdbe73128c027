package main

import (
	"time"
)

// Visibility types
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityRole    Visibility = "ROLE"
	VisibilityDead    Visibility = "DEAD"
)

type EventType string

const (
	EventGameCreated        EventType = "game_created"
	EventPlayerJoined       EventType = "player_joined"
	EventPlayerLeft         EventType = "player_left"
	EventHostChanged        EventType = "host_changed"
	EventGameStarted        EventType = "game_started"
	EventRoleAssigned       EventType = "role_assigned"
	EventPackRevealed       EventType = "pack_revealed"
	EventMasonsRevealed     EventType = "masons_revealed"
	EventPhaseChanged       EventType = "phase_changed"
	EventVoteCast           EventType = "vote_cast"
	EventActionRecorded     EventType = "action_recorded"
	EventPackVote           EventType = "pack_vote"
	EventPlayerKilled       EventType = "player_killed"
	EventNoDeaths           EventType = "no_deaths"
	EventPlayerEliminated   EventType = "player_eliminated"
	EventNoElimination      EventType = "no_elimination"
	EventSeerResult         EventType = "seer_result"
	EventLoversLinked       EventType = "lovers_linked"
	EventHunterShotAvail    EventType = "hunter_shot_available"
	EventHunterShotExpired  EventType = "hunter_shot_expired"
	EventJoinedGraveyard    EventType = "joined_graveyard"
	EventGameEnded          EventType = "game_ended"
	EventGameCancelled      EventType = "game_cancelled"
	EventPlayerDisconnected EventType = "player_disconnected"
	EventPlayerReconnected  EventType = "player_reconnected"
	EventStory              EventType = "story"
)

// GameEvent is an append-only log entry. Seq is assigned by the store.
type GameEvent struct {
	Seq        int64      `db:"seq" json:"seq"`
	GameID     string     `db:"game_id" json:"game_id"`
	Type       EventType  `db:"type" json:"type"`
	Payload    Payload    `db:"payload" json:"payload"`
	Visibility Visibility `db:"visibility" json:"visibility"`
	Role       Role       `db:"role" json:"role,omitempty"` // scope of ROLE events
	Recipients IDList     `db:"recipients" json:"-"`
	Day        int        `db:"day" json:"day"`
	Phase      Phase      `db:"phase" json:"phase"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

func newEvent(g *Game, t EventType, vis Visibility, p Payload) GameEvent {
	return GameEvent{
		GameID:     g.ID,
		Type:       t,
		Payload:    p,
		Visibility: vis,
		Day:        g.DayNumber,
		Phase:      g.Phase,
	}
}

func publicEvent(g *Game, t EventType, p Payload) GameEvent {
	return newEvent(g, t, VisibilityPublic, p)
}

func privateEvent(g *Game, t EventType, p Payload, recipients ...int64) GameEvent {
	e := newEvent(g, t, VisibilityPrivate, p)
	e.Recipients = recipients
	return e
}

func roleEvent(g *Game, t EventType, role Role, p Payload, recipients ...int64) GameEvent {
	e := newEvent(g, t, VisibilityRole, p)
	e.Role = role
	e.Recipients = recipients
	return e
}

func deadEvent(g *Game, t EventType, p Payload) GameEvent {
	return newEvent(g, t, VisibilityDead, p)
}

// CanSee reports whether viewer may observe the event. A nil viewer is a
// spectator and sees only PUBLIC events.
func CanSee(e GameEvent, viewer *Player) bool {
	if e.Visibility == VisibilityPublic {
		return true
	}
	if viewer == nil {
		return false
	}
	switch e.Visibility {
	case VisibilityPrivate:
		return e.Recipients.Contains(viewer.ID)
	case VisibilityRole:
		if viewer.Role != e.Role {
			return false
		}
		return len(e.Recipients) == 0 || e.Recipients.Contains(viewer.ID)
	case VisibilityDead:
		return !viewer.IsAlive
	}
	return false
}

// FilterEvents returns the events viewer may observe, preserving order.
func FilterEvents(events []GameEvent, viewer *Player) []GameEvent {
	out := make([]GameEvent, 0, len(events))
	for _, e := range events {
		if CanSee(e, viewer) {
			out = append(out, e)
		}
	}
	return out
}

// PlayerView is the public face of a player.
type PlayerView struct {
	ID           int64  `json:"id"`
	Number       int    `json:"player_number"`
	Nickname     string `json:"nickname"`
	IsAlive      bool   `json:"is_alive"`
	IsHost       bool   `json:"is_host"`
	Disconnected bool   `json:"disconnected"`
}

// SelfView carries what only the viewer may know about themselves.
type SelfView struct {
	PlayerID    int64      `json:"player_id"`
	Role        Role       `json:"role,omitempty"`
	Side        Side       `json:"side,omitempty"`
	Description string     `json:"description,omitempty"`
	RoleState   *RoleState `json:"role_state,omitempty"`
	LoverID     *int64     `json:"lover_id,omitempty"`
}

// GameView is the per-viewer projection of a snapshot.
type GameView struct {
	ID          string       `json:"id"`
	Code        string       `json:"code"`
	Status      GameStatus   `json:"status"`
	Phase       Phase        `json:"phase,omitempty"`
	DayNumber   int          `json:"day_number"`
	Settings    Settings     `json:"settings"`
	WinningSide Side         `json:"winning_side,omitempty"`
	PhaseEndsAt *time.Time   `json:"phase_ends_at,omitempty"`
	Players     []PlayerView `json:"players"`
	You         *SelfView    `json:"you,omitempty"`
}

// ViewFor projects the snapshot for one identity. Only the viewer's own role,
// role state and lover are included.
func ViewFor(s *Snapshot, userID string) GameView {
	v := GameView{
		ID:          s.Game.ID,
		Code:        s.Game.Code,
		Status:      s.Game.Status,
		DayNumber:   s.Game.DayNumber,
		Settings:    s.Game.Settings,
		WinningSide: s.Game.WinningSide,
		PhaseEndsAt: s.Game.PhaseEndsAt,
		Players:     make([]PlayerView, 0, len(s.Players)),
	}
	if s.Game.Status == StatusInProgress || s.Game.Status == StatusCompleted {
		v.Phase = s.Game.Phase
	}
	for _, p := range s.Players {
		v.Players = append(v.Players, PlayerView{
			ID:           p.ID,
			Number:       p.Number,
			Nickname:     p.Nickname,
			IsAlive:      p.IsAlive,
			IsHost:       p.IsHost,
			Disconnected: p.DisconnectedAt != nil,
		})
	}

	me := s.PlayerByUser(userID)
	if me == nil {
		return v
	}
	self := &SelfView{PlayerID: me.ID}
	if me.Role != "" {
		info, _ := LookupRole(me.Role)
		self.Role = me.Role
		self.Side = info.Side
		self.Description = info.Description
	}
	if rs, ok := s.RoleStates[me.ID]; ok {
		cp := *rs
		self.RoleState = &cp
	}
	if partner, ok := s.Partner(me.ID); ok {
		self.LoverID = &partner
	}
	v.You = self
	return v
}
