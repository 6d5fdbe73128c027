package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedGame(t *testing.T, store *sqlStore, id, code string) *Game {
	t.Helper()
	g := &Game{
		ID:        id,
		Code:      code,
		Status:    StatusInProgress,
		Phase:     PhaseNight,
		DayNumber: 1,
		Settings:  testSettings(),
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	require.NoError(t, store.Repo().CreateGame(context.Background(), g))
	return g
}

func seedPlayer(t *testing.T, store *sqlStore, gameID string, n int) *Player {
	t.Helper()
	p := &Player{GameID: gameID, UserID: userID(n), Number: n, Nickname: userID(n), IsAlive: true, JoinedAt: testEpoch}
	require.NoError(t, store.Repo().AddPlayer(context.Background(), p))
	return p
}

func TestGameRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := seedGame(t, store, "g1", "ABCDEF")

	got, err := store.Repo().GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, g.Code, got.Code)
	assert.Equal(t, g.Settings, got.Settings)
	assert.Equal(t, 1, got.Version)
	assert.True(t, got.CreatedAt.Equal(testEpoch))
	assert.Nil(t, got.EndedAt)

	byCode, err := store.Repo().GetGameByCode(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, "g1", byCode.ID)

	_, err = store.Repo().GetGame(ctx, "missing")
	assert.Equal(t, ReasonGameNotFound, ReasonOf(err))
}

func TestUpdateGameDetectsStaleWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGame(t, store, "g1", "ABCDEF")

	a, err := store.Repo().GetGame(ctx, "g1")
	require.NoError(t, err)
	b, err := store.Repo().GetGame(ctx, "g1")
	require.NoError(t, err)

	a.Phase = PhaseDiscussion
	require.NoError(t, store.Repo().UpdateGame(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.Phase = PhaseVoting
	err = store.Repo().UpdateGame(ctx, b)
	assert.Equal(t, ReasonStaleGame, ReasonOf(err))
	assert.Equal(t, KindConflict, KindOf(err))

	got, err := store.Repo().GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, PhaseDiscussion, got.Phase)
}

func TestActiveCodesAreUnique(t *testing.T) {
	store := newTestStore(t)
	seedGame(t, store, "g1", "ABCDEF")

	err := store.Repo().CreateGame(context.Background(), &Game{
		ID: "g2", Code: "ABCDEF", Status: StatusLobby, Phase: PhaseWaiting,
		Settings: testSettings(), CreatedAt: testEpoch, UpdatedAt: testEpoch,
	})
	assert.Equal(t, ReasonCodeSpaceExhausted, ReasonOf(err))
}

func TestWithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGame(t, store, "g1", "ABCDEF")
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(repo Repository) error {
		if err := repo.AddPlayer(ctx, &Player{GameID: "g1", UserID: "u", Number: 1, Nickname: "U", JoinedAt: testEpoch}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	players, err := store.Repo().ListPlayers(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, players)
}

func TestPlayerUniqueness(t *testing.T) {
	store := newTestStore(t)
	seedGame(t, store, "g1", "ABCDEF")
	seedPlayer(t, store, "g1", 1)

	err := store.Repo().AddPlayer(context.Background(), &Player{GameID: "g1", UserID: userID(1), Number: 2, Nickname: "x", JoinedAt: testEpoch})
	assert.Equal(t, ReasonAlreadyJoined, ReasonOf(err))
}

func TestUpsertVoteReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGame(t, store, "g1", "ABCDEF")

	v := &Vote{GameID: "g1", VoterID: 1, TargetID: ptr(2), Phase: PhaseVoting, Day: 1, Round: currentRound, CreatedAt: testEpoch}
	replaced, err := store.Repo().UpsertVote(ctx, v)
	require.NoError(t, err)
	assert.False(t, replaced)
	firstID := v.ID

	v2 := &Vote{GameID: "g1", VoterID: 1, TargetID: nil, Phase: PhaseVoting, Day: 1, Round: currentRound, CreatedAt: testEpoch}
	replaced, err = store.Repo().UpsertVote(ctx, v2)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, firstID, v2.ID)

	votes, err := store.Repo().ListVotes(ctx, "g1", PhaseVoting, 1, currentRound)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Nil(t, votes[0].TargetID)

	votes, err = store.Repo().ListVotes(ctx, "g1", PhaseVoting, 2, currentRound)
	require.NoError(t, err)
	assert.Empty(t, votes)
}

func TestOnePendingActionPerActorAndNight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGame(t, store, "g1", "ABCDEF")

	a := &GameAction{GameID: "g1", ActorID: 1, Type: ActionKill, TargetID: 2, Phase: PhaseNight, Day: 1, CreatedAt: testEpoch}
	require.NoError(t, store.Repo().AddAction(ctx, a))

	dup := &GameAction{GameID: "g1", ActorID: 1, Type: ActionKill, TargetID: 3, Phase: PhaseNight, Day: 1, CreatedAt: testEpoch}
	err := store.Repo().AddAction(ctx, dup)
	assert.Equal(t, ReasonDuplicateAction, ReasonOf(err))

	require.NoError(t, store.Repo().MarkActionsProcessed(ctx, []int64{a.ID}))
	pending, err := store.Repo().ListPendingActions(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, store.Repo().AddAction(ctx, dup), "processed actions free the slot")
	pending, err = store.Repo().ListPendingActions(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[0].TargetID)
}

func TestRoleStateFlagsNeverReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGame(t, store, "g1", "ABCDEF")
	p := seedPlayer(t, store, "g1", 1)

	require.NoError(t, store.Repo().UpsertRoleState(ctx, &RoleState{PlayerID: p.ID, GameID: "g1", HealPotionUsed: true, ShotPending: true}))
	require.NoError(t, store.Repo().UpsertRoleState(ctx, &RoleState{PlayerID: p.ID, GameID: "g1", LastProtectedID: ptr(4), LastProtectedDay: 2}))

	states, err := store.Repo().ListRoleStates(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	rs := states[0]
	assert.True(t, rs.HealPotionUsed)
	assert.False(t, rs.ShotPending, "pending shots can be cleared")
	require.NotNil(t, rs.LastProtectedID)
	assert.Equal(t, int64(4), *rs.LastProtectedID)
}

func TestLoverPairsAreExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGame(t, store, "g1", "ABCDEF")

	lp := newLoverPair("g1", 3, 1, testEpoch)
	assert.Equal(t, int64(1), lp.PlayerA)
	require.NoError(t, store.Repo().AddLoverPair(ctx, &lp))

	other := newLoverPair("g1", 1, 5, testEpoch)
	assert.Equal(t, ReasonAlreadyLover, ReasonOf(store.Repo().AddLoverPair(ctx, &other)))
}

func TestEventsAreOrderedAndFiltered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := seedGame(t, store, "g1", "ABCDEF")
	seedGame(t, store, "g2", "BCDEFG")

	events := []GameEvent{
		publicEvent(g, EventPhaseChanged, Payload{"phase": "NIGHT", "day": 1}),
		privateEvent(g, EventRoleAssigned, Payload{"role": "SEER"}, 2),
		roleEvent(g, EventPackRevealed, RoleWerewolf, Payload{"members": []int64{1}}, 1),
	}
	for i := range events {
		events[i].CreatedAt = testEpoch
	}
	require.NoError(t, store.Repo().AppendEvents(ctx, events))
	other := publicEvent(&Game{ID: "g2"}, EventGameCreated, nil)
	other.CreatedAt = testEpoch
	require.NoError(t, store.Repo().AppendEvents(ctx, []GameEvent{other}))

	assert.Less(t, events[0].Seq, events[1].Seq)
	assert.Less(t, events[1].Seq, events[2].Seq)

	all, err := store.Repo().ListEvents(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, float64(1), all[0].Payload["day"])
	assert.Equal(t, IDList{2}, all[1].Recipients)
	assert.Equal(t, RoleWerewolf, all[2].Role)

	tail, err := store.Repo().ListEvents(ctx, "g1", events[0].Seq)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestDeleteGameRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := seedGame(t, store, "g1", "ABCDEF")
	p := seedPlayer(t, store, "g1", 1)
	require.NoError(t, store.Repo().UpsertRoleState(ctx, &RoleState{PlayerID: p.ID, GameID: "g1"}))
	ev := publicEvent(g, EventGameCreated, nil)
	ev.CreatedAt = testEpoch
	require.NoError(t, store.Repo().AppendEvents(ctx, []GameEvent{ev}))

	require.NoError(t, store.Repo().DeleteGame(ctx, "g1"))

	_, err := store.Repo().GetGame(ctx, "g1")
	assert.Equal(t, KindNotFound, KindOf(err))
	players, err := store.Repo().ListPlayers(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, players)
	events, err := store.Repo().ListEvents(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestListGamesByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedGame(t, store, "running", "ABCDEF")
	require.NoError(t, store.Repo().CreateGame(ctx, &Game{
		ID: "lobby", Code: "BCDEFG", Status: StatusLobby, Phase: PhaseWaiting,
		Settings: testSettings(), CreatedAt: testEpoch, UpdatedAt: testEpoch,
	}))

	games, err := store.Repo().ListGames(ctx, StatusLobby)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, "lobby", games[0].ID)

	games, err = store.Repo().ListGames(ctx)
	require.NoError(t, err)
	assert.Len(t, games, 2)
}

func TestLoadSnapshot(t *testing.T) {
	h := newHarness(t)
	id, ps := h.start(map[Role]int{RoleWerewolf: 1, RoleSeer: 1}, 4)
	h.act(id, ps[1], ActionInvestigate, ps[0].ID)

	s, err := loadSnapshot(h.ctx, h.store.Repo(), id)
	require.NoError(t, err)
	assert.Len(t, s.Players, 4)
	assert.Len(t, s.RoleStates, 4)
	require.Len(t, s.Actions, 1)
	assert.Equal(t, ActionInvestigate, s.Actions[0].Type)
	assert.Empty(t, s.Votes)
	for i := 1; i < len(s.Players); i++ {
		assert.Less(t, s.Players[i-1].ID, s.Players[i].ID, "players come back in join order")
	}
}
