package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

// fakeScheduler records armed deadlines; tests fire them by hand.
type fakeScheduler struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	fns       map[string]func()
	cancelled map[string]int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		deadlines: make(map[string]time.Time),
		fns:       make(map[string]func()),
		cancelled: make(map[string]int),
	}
}

func (f *fakeScheduler) Schedule(gameID string, at time.Time, fire func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines[gameID] = at
	f.fns[gameID] = fire
	return nil
}

func (f *fakeScheduler) Cancel(gameID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deadlines, gameID)
	delete(f.fns, gameID)
	f.cancelled[gameID]++
}

func (f *fakeScheduler) deadline(gameID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.deadlines[gameID]
	return at, ok
}

// fire runs the armed callback of gameID as the timer would.
func (f *fakeScheduler) fire(gameID string) bool {
	f.mu.Lock()
	fn, ok := f.fns[gameID]
	delete(f.fns, gameID)
	delete(f.deadlines, gameID)
	f.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

// armed returns the callback currently armed for gameID without firing it.
func (f *fakeScheduler) armed(gameID string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fns[gameID]
}

// flakyStore fails the next appendFailures event appends, which aborts the
// surrounding transaction after every other write of it has been made.
type flakyStore struct {
	GameStore
	appendFailures atomic.Int32
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(Repository) error) error {
	return f.GameStore.WithTx(ctx, func(repo Repository) error {
		return fn(&flakyRepo{Repository: repo, store: f})
	})
}

type flakyRepo struct {
	Repository
	store *flakyStore
}

func (r *flakyRepo) AppendEvents(ctx context.Context, events []GameEvent) error {
	if r.store.appendFailures.Add(-1) >= 0 {
		return errors.New("disk I/O error")
	}
	r.store.appendFailures.Store(0)
	return r.Repository.AppendEvents(ctx, events)
}

// recordingPublisher keeps every published event per game.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]GameEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]GameEvent)}
}

func (p *recordingPublisher) Publish(gameID string, events []GameEvent, _ []Player) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[gameID] = append(p.events[gameID], events...)
}

func (p *recordingPublisher) ofType(gameID string, t EventType) []GameEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []GameEvent
	for _, e := range p.events[gameID] {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ============================================================================
// Harness
// ============================================================================

var testDBSeq int64

func newTestStore(t *testing.T) *sqlStore {
	t.Helper()
	dsn := fmt.Sprintf("file:werewolf_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	store, err := openStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testSettings() Settings {
	return Settings{
		MinPlayers:        3,
		MaxPlayers:        16,
		NightSeconds:      60,
		DiscussionSeconds: 60,
		VotingSeconds:     60,
		ExecutionSeconds:  10,
		Roles:             map[Role]int{RoleWerewolf: 1},
	}
}

var testEpoch = time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *sqlStore
	sched  *fakeScheduler
	pub    *recordingPublisher
	clock  *clockwork.FakeClock
	engine *Engine
}

// newHarness builds an engine over a fresh in-memory database. Roles are not
// shuffled: players receive them in catalog order by join order.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: newTestStore(t),
		sched: newFakeScheduler(),
		pub:   newRecordingPublisher(),
		clock: clockwork.NewFakeClockAt(testEpoch),
	}
	h.engine = NewEngine(h.store, h.sched, h.pub, h.clock, zerolog.Nop(), EngineConfig{
		DefaultSettings: testSettings(),
		PlayerCap:       30,
		CodeAttempts:    10,
	})
	h.engine.shuffle = func([]Role) error { return nil }
	return h
}

func userID(i int) string { return fmt.Sprintf("user-%d", i) }

// lobby creates a game and seats n players named P1..Pn; P1 hosts.
func (h *harness) lobby(roles map[Role]int, n int) *Game {
	h.t.Helper()
	settings := testSettings()
	settings.Roles = roles
	g, err := h.engine.CreateGame(h.ctx, &settings)
	require.NoError(h.t, err)
	for i := 1; i <= n; i++ {
		_, _, err := h.engine.JoinGame(h.ctx, g.Code, userID(i), fmt.Sprintf("P%d", i))
		require.NoError(h.t, err)
	}
	return g
}

// start creates, fills and starts a game. The returned players are in join
// order, so players[i] holds the i-th role of the catalog-ordered list.
func (h *harness) start(roles map[Role]int, n int) (string, []Player) {
	h.t.Helper()
	g := h.lobby(roles, n)
	_, err := h.engine.StartGame(h.ctx, g.ID, userID(1))
	require.NoError(h.t, err)
	return g.ID, h.snap(g.ID).Players
}

func (h *harness) snap(gameID string) *Snapshot {
	h.t.Helper()
	s, err := h.engine.Snapshot(h.ctx, gameID)
	require.NoError(h.t, err)
	return s
}

func (h *harness) game(gameID string) Game {
	return h.snap(gameID).Game
}

func (h *harness) act(gameID string, actor Player, action ActionType, target int64, secondary ...int64) ActionOutcome {
	h.t.Helper()
	var sec *int64
	if len(secondary) > 0 {
		sec = &secondary[0]
	}
	out, err := h.engine.PerformNightAction(h.ctx, gameID, actor.UserID, action, target, sec)
	require.NoError(h.t, err)
	return out
}

func (h *harness) vote(gameID string, voter Player, target *int64) VoteOutcome {
	h.t.Helper()
	out, err := h.engine.CastVote(h.ctx, gameID, voter.UserID, target)
	require.NoError(h.t, err)
	return out
}

// advance ends the current phase as if its timer had fired.
func (h *harness) advance(gameID string) Game {
	h.t.Helper()
	g, err := h.engine.ForceAdvancePhase(h.ctx, gameID)
	require.NoError(h.t, err)
	return *g
}

// advanceTo ends phases until the game is in phase p.
func (h *harness) advanceTo(gameID string, p Phase) Game {
	h.t.Helper()
	g := h.game(gameID)
	for i := 0; g.Phase != p; i++ {
		require.Less(h.t, i, 8, "phase %s never reached", p)
		require.Equal(h.t, StatusInProgress, g.Status)
		g = h.advance(gameID)
	}
	return g
}

func (h *harness) alive(gameID string, id int64) bool {
	h.t.Helper()
	p := h.snap(gameID).Player(id)
	require.NotNil(h.t, p)
	return p.IsAlive
}

func ptr(id int64) *int64 { return &id }

// ============================================================================
// Hand-built snapshots for the pure resolvers
// ============================================================================

// boardWith builds an in-progress night-1 snapshot with players 1..n holding
// the given roles in order.
func boardWith(roles ...Role) *Snapshot {
	s := &Snapshot{
		Game: Game{
			ID:        "g1",
			Code:      "ABCDEF",
			Status:    StatusInProgress,
			Phase:     PhaseNight,
			DayNumber: 1,
			Settings:  testSettings(),
		},
		RoleStates: make(map[int64]*RoleState),
	}
	for i, r := range roles {
		id := int64(i + 1)
		s.Players = append(s.Players, Player{
			ID:       id,
			GameID:   "g1",
			UserID:   userID(i + 1),
			Number:   i + 1,
			Nickname: fmt.Sprintf("P%d", i+1),
			Role:     r,
			IsAlive:  true,
			IsHost:   i == 0,
			JoinedAt: testEpoch,
		})
		s.RoleStates[id] = &RoleState{PlayerID: id, GameID: "g1"}
	}
	return s
}

// queue appends an unprocessed action of the current phase to the snapshot.
func queue(s *Snapshot, actor int64, action ActionType, target int64, secondary ...int64) {
	a := GameAction{
		ID:        int64(len(s.Actions) + 1),
		GameID:    s.Game.ID,
		ActorID:   actor,
		Type:      action,
		TargetID:  target,
		Phase:     s.Game.Phase,
		Day:       s.Game.DayNumber,
		CreatedAt: testEpoch.Add(time.Duration(len(s.Actions)) * time.Second),
	}
	if len(secondary) > 0 {
		a.SecondaryTargetID = &secondary[0]
	}
	s.Actions = append(s.Actions, a)
}

func castBallot(s *Snapshot, voter int64, target *int64) {
	s.Votes = append(s.Votes, Vote{
		ID:       int64(len(s.Votes) + 1),
		GameID:   s.Game.ID,
		VoterID:  voter,
		TargetID: target,
		Phase:    PhaseVoting,
		Day:      s.Game.DayNumber,
		Round:    currentRound,
	})
}

func deathsOf(res *Resolution) map[int64]DeathCause {
	out := make(map[int64]DeathCause, len(res.Deaths))
	for _, d := range res.Deaths {
		out[d.PlayerID] = d.Cause
	}
	return out
}

func eventsOf(events []GameEvent, t EventType) []GameEvent {
	var out []GameEvent
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
