package main

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// GameStatus is the lifecycle state of a game.
type GameStatus string

const (
	StatusLobby      GameStatus = "LOBBY"
	StatusInProgress GameStatus = "IN_PROGRESS"
	StatusCompleted  GameStatus = "COMPLETED"
	StatusCancelled  GameStatus = "CANCELLED"
)

// Active reports whether the game still holds its join code.
func (s GameStatus) Active() bool {
	return s == StatusLobby || s == StatusInProgress
}

// Phase is one stage of the day/night cycle. Only meaningful while IN_PROGRESS.
type Phase string

const (
	PhaseWaiting    Phase = "WAITING"
	PhaseNight      Phase = "NIGHT"
	PhaseDiscussion Phase = "DISCUSSION"
	PhaseVoting     Phase = "VOTING"
	PhaseExecution  Phase = "EXECUTION"
	PhaseGameOver   Phase = "GAME_OVER"
)

// Side is the faction a role plays for, and the value of Game.WinningSide.
type Side string

const (
	SideVillage  Side = "VILLAGE"
	SideWerewolf Side = "WEREWOLF"
	SideNeutral  Side = "NEUTRAL"
	SideLovers   Side = "LOVERS"
)

// Settings holds the per-game configuration chosen at creation time.
type Settings struct {
	MinPlayers        int          `json:"min_players"`
	MaxPlayers        int          `json:"max_players"`
	NightSeconds      int          `json:"night_seconds"`
	DiscussionSeconds int          `json:"discussion_seconds"`
	VotingSeconds     int          `json:"voting_seconds"`
	ExecutionSeconds  int          `json:"execution_seconds"`
	Roles             map[Role]int `json:"roles"`
}

// PhaseDuration returns how long the given phase lasts before its timer fires.
func (s Settings) PhaseDuration(p Phase) time.Duration {
	var secs int
	switch p {
	case PhaseNight:
		secs = s.NightSeconds
	case PhaseDiscussion:
		secs = s.DiscussionSeconds
	case PhaseVoting:
		secs = s.VotingSeconds
	case PhaseExecution:
		secs = s.ExecutionSeconds
	}
	return time.Duration(secs) * time.Second
}

// RoleTotal is the number of role slots explicitly requested.
func (s Settings) RoleTotal() int {
	total := 0
	for _, n := range s.Roles {
		total += n
	}
	return total
}

func (s Settings) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Settings) Scan(src any) error {
	return scanJSON(src, s)
}

// Game is the authoritative record of one game. Only the Engine mutates it.
type Game struct {
	ID          string     `db:"id" json:"id"`
	Code        string     `db:"code" json:"code"`
	Status      GameStatus `db:"status" json:"status"`
	Phase       Phase      `db:"phase" json:"phase"`
	DayNumber   int        `db:"day_number" json:"day_number"`
	Settings    Settings   `db:"settings" json:"settings"`
	WinningSide Side       `db:"winning_side" json:"winning_side,omitempty"` // empty unless COMPLETED
	Version     int        `db:"version" json:"version"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt     *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	PhaseEndsAt *time.Time `db:"phase_ends_at" json:"phase_ends_at,omitempty"`
}

// Player is a seat in one game. Role is never serialized directly; see ViewFor.
type Player struct {
	ID             int64      `db:"id" json:"id"`
	GameID         string     `db:"game_id" json:"game_id"`
	UserID         string     `db:"user_id" json:"user_id"`
	Number         int        `db:"player_number" json:"player_number"`
	Nickname       string     `db:"nickname" json:"nickname"`
	Role           Role       `db:"role" json:"-"`
	IsAlive        bool       `db:"is_alive" json:"is_alive"`
	IsHost         bool       `db:"is_host" json:"is_host"`
	JoinedAt       time.Time  `db:"joined_at" json:"joined_at"`
	DisconnectedAt *time.Time `db:"disconnected_at" json:"disconnected_at,omitempty"`
}

// RoleState tracks one-time role resources. Resource flags only ever go false -> true.
type RoleState struct {
	PlayerID         int64  `db:"player_id" json:"player_id"`
	GameID           string `db:"game_id" json:"-"`
	HealPotionUsed   bool   `db:"heal_potion_used" json:"heal_potion_used"`
	PoisonPotionUsed bool   `db:"poison_potion_used" json:"poison_potion_used"`
	HasShot          bool   `db:"has_shot" json:"has_shot"`
	ShotPending      bool   `db:"shot_pending" json:"shot_pending"`
	IsLover          bool   `db:"is_lover" json:"is_lover"`
	LastProtectedID  *int64 `db:"last_protected_id" json:"last_protected_id,omitempty"`
	LastProtectedDay int    `db:"last_protected_day" json:"last_protected_day,omitempty"`
}

// Used reports whether the resource has already been spent.
func (rs *RoleState) Used(r Resource) bool {
	switch r {
	case ResourceHealPotion:
		return rs.HealPotionUsed
	case ResourcePoisonPotion:
		return rs.PoisonPotionUsed
	case ResourceShot:
		return rs.HasShot
	}
	return false
}

// Consume flips the resource flag. It never resets a flag.
func (rs *RoleState) Consume(r Resource) {
	switch r {
	case ResourceHealPotion:
		rs.HealPotionUsed = true
	case ResourcePoisonPotion:
		rs.PoisonPotionUsed = true
	case ResourceShot:
		rs.HasShot = true
		rs.ShotPending = false
	}
}

// Vote is one ballot in a voting round. TargetID nil means an explicit skip.
type Vote struct {
	ID        int64     `db:"id" json:"id"`
	GameID    string    `db:"game_id" json:"game_id"`
	VoterID   int64     `db:"voter_id" json:"voter_id"`
	TargetID  *int64    `db:"target_id" json:"target_id"`
	Phase     Phase     `db:"phase" json:"phase"`
	Day       int       `db:"day" json:"day"`
	Round     int       `db:"round" json:"round"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GameAction is a night action submitted by a player.
type GameAction struct {
	ID                int64      `db:"id" json:"id"`
	GameID            string     `db:"game_id" json:"game_id"`
	ActorID           int64      `db:"actor_id" json:"actor_id"`
	Type              ActionType `db:"action_type" json:"action_type"`
	TargetID          int64      `db:"target_id" json:"target_id"`
	SecondaryTargetID *int64     `db:"secondary_target_id" json:"secondary_target_id,omitempty"`
	Phase             Phase      `db:"phase" json:"phase"`
	Day               int        `db:"day" json:"day"`
	Processed         bool       `db:"processed" json:"processed"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// LoverPair links two players. PlayerA < PlayerB.
type LoverPair struct {
	ID        int64     `db:"id" json:"id"`
	GameID    string    `db:"game_id" json:"game_id"`
	PlayerA   int64     `db:"player_a" json:"player_a"`
	PlayerB   int64     `db:"player_b" json:"player_b"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func newLoverPair(gameID string, a, b int64, at time.Time) LoverPair {
	if a > b {
		a, b = b, a
	}
	return LoverPair{GameID: gameID, PlayerA: a, PlayerB: b, CreatedAt: at}
}

// Partner returns the other member of the pair if id belongs to it.
func (lp LoverPair) Partner(id int64) (int64, bool) {
	switch id {
	case lp.PlayerA:
		return lp.PlayerB, true
	case lp.PlayerB:
		return lp.PlayerA, true
	}
	return 0, false
}

// Payload is the free-form body of a GameEvent, stored as JSON.
type Payload map[string]any

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Payload) Scan(src any) error {
	return scanJSON(src, p)
}

// IDList is a list of player ids stored as a JSON array.
type IDList []int64

func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *IDList) Scan(src any) error {
	return scanJSON(src, l)
}

// Contains reports whether id is in the list.
func (l IDList) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(v), dst)
	case []byte:
		return json.Unmarshal(v, dst)
	}
	return fmt.Errorf("scan json: unsupported source type %T", src)
}

// Snapshot is the full, unredacted in-core view of a game at one point in time.
// Components read it and return proposed changes; only the Engine commits them.
type Snapshot struct {
	Game       Game
	Players    []Player // ordered by join order
	RoleStates map[int64]*RoleState
	Lovers     []LoverPair
	Actions    []GameAction // unprocessed night actions
	Votes      []Vote       // votes of the current phase/day/round
}

// Player returns the player with the given id, or nil.
func (s *Snapshot) Player(id int64) *Player {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i]
		}
	}
	return nil
}

// PlayerByUser returns the seat held by the given identity, or nil.
func (s *Snapshot) PlayerByUser(userID string) *Player {
	for i := range s.Players {
		if s.Players[i].UserID == userID {
			return &s.Players[i]
		}
	}
	return nil
}

// Alive returns the alive players in join order.
func (s *Snapshot) Alive() []*Player {
	var alive []*Player
	for i := range s.Players {
		if s.Players[i].IsAlive {
			alive = append(alive, &s.Players[i])
		}
	}
	return alive
}

// Host returns the current host, or nil.
func (s *Snapshot) Host() *Player {
	for i := range s.Players {
		if s.Players[i].IsHost {
			return &s.Players[i]
		}
	}
	return nil
}

// Partner returns the lover partner of id, if any.
func (s *Snapshot) Partner(id int64) (int64, bool) {
	for _, lp := range s.Lovers {
		if p, ok := lp.Partner(id); ok {
			return p, true
		}
	}
	return 0, false
}

// RoleState returns the role state of a player, creating an empty one if the
// snapshot predates role assignment.
func (s *Snapshot) RoleState(id int64) *RoleState {
	if s.RoleStates == nil {
		s.RoleStates = make(map[int64]*RoleState)
	}
	rs, ok := s.RoleStates[id]
	if !ok {
		rs = &RoleState{PlayerID: id, GameID: s.Game.ID}
		s.RoleStates[id] = rs
	}
	return rs
}

// actedThisPhase returns the unprocessed action of the actor for the current phase/day.
func (s *Snapshot) actedThisPhase(actorID int64) *GameAction {
	for i := range s.Actions {
		a := &s.Actions[i]
		if a.ActorID == actorID && a.Phase == s.Game.Phase && a.Day == s.Game.DayNumber && !a.Processed {
			return a
		}
	}
	return nil
}
