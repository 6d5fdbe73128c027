package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanSee(t *testing.T) {
	g := &Game{ID: "g1", Phase: PhaseNight, DayNumber: 1}
	wolf := &Player{ID: 1, Role: RoleWerewolf, IsAlive: true}
	seer := &Player{ID: 2, Role: RoleSeer, IsAlive: true}
	ghost := &Player{ID: 3, Role: RoleVillager, IsAlive: false}
	otherWolf := &Player{ID: 4, Role: RoleWerewolf, IsAlive: true}

	tests := []struct {
		name   string
		event  GameEvent
		viewer *Player
		want   bool
	}{
		{"public to spectator", publicEvent(g, EventPhaseChanged, nil), nil, true},
		{"public to player", publicEvent(g, EventPhaseChanged, nil), seer, true},
		{"private to recipient", privateEvent(g, EventRoleAssigned, nil, 2), seer, true},
		{"private to someone else", privateEvent(g, EventRoleAssigned, nil, 2), wolf, false},
		{"private to spectator", privateEvent(g, EventRoleAssigned, nil, 2), nil, false},
		{"role event to role holder", roleEvent(g, EventPackRevealed, RoleWerewolf, nil), otherWolf, true},
		{"role event to other role", roleEvent(g, EventPackRevealed, RoleWerewolf, nil), seer, false},
		{"addressed role event to recipient", roleEvent(g, EventSeerResult, RoleSeer, nil, 2), seer, true},
		{"addressed role event to same role non recipient", roleEvent(g, EventPackRevealed, RoleWerewolf, nil, 1), otherWolf, false},
		{"role event to spectator", roleEvent(g, EventPackRevealed, RoleWerewolf, nil), nil, false},
		{"dead event to the dead", deadEvent(g, EventJoinedGraveyard, nil), ghost, true},
		{"dead event to the living", deadEvent(g, EventJoinedGraveyard, nil), wolf, false},
		{"dead event to spectator", deadEvent(g, EventJoinedGraveyard, nil), nil, false},
		{"unknown visibility", GameEvent{Visibility: "SECRET"}, wolf, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanSee(tt.event, tt.viewer))
		})
	}
}

func TestFilterEventsKeepsOrder(t *testing.T) {
	g := &Game{ID: "g1"}
	seer := &Player{ID: 2, Role: RoleSeer, IsAlive: true}
	events := []GameEvent{
		publicEvent(g, EventGameStarted, nil),
		privateEvent(g, EventRoleAssigned, nil, 1),
		privateEvent(g, EventRoleAssigned, nil, 2),
		roleEvent(g, EventPackRevealed, RoleWerewolf, nil),
		publicEvent(g, EventPhaseChanged, nil),
	}
	for i := range events {
		events[i].Seq = int64(i + 1)
	}

	got := FilterEvents(events, seer)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 3, 5}, []int64{got[0].Seq, got[1].Seq, got[2].Seq})

	spectator := FilterEvents(events, nil)
	assert.Len(t, spectator, 2)
	assert.NotNil(t, FilterEvents(nil, seer))
}

func TestViewForRevealsOnlyOwnRole(t *testing.T) {
	s := boardWith(RoleWerewolf, RoleWitch, RoleVillager, RoleVillager)
	s.Lovers = []LoverPair{newLoverPair("g1", 2, 3, testEpoch)}
	s.RoleStates[2].HealPotionUsed = true

	v := ViewFor(s, userID(2))
	require.NotNil(t, v.You)
	assert.Equal(t, int64(2), v.You.PlayerID)
	assert.Equal(t, RoleWitch, v.You.Role)
	assert.Equal(t, SideVillage, v.You.Side)
	require.NotNil(t, v.You.RoleState)
	assert.True(t, v.You.RoleState.HealPotionUsed)
	require.NotNil(t, v.You.LoverID)
	assert.Equal(t, int64(3), *v.You.LoverID)
	assert.Equal(t, PhaseNight, v.Phase)
	assert.Len(t, v.Players, 4)

	b, err := json.Marshal(v.Players)
	require.NoError(t, err)
	assert.NotContains(t, string(b), string(RoleWerewolf), "other roles never leak")
	assert.NotContains(t, string(b), string(RoleWitch))
}

func TestViewForSpectator(t *testing.T) {
	s := boardWith(RoleWerewolf, RoleSeer, RoleVillager)
	v := ViewFor(s, "stranger")
	assert.Nil(t, v.You)

	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"you"`)
	assert.NotContains(t, string(b), string(RoleSeer))
	assert.NotContains(t, string(b), `"role"`)
}

func TestViewForLobbyHidesPhase(t *testing.T) {
	s := boardWith(RoleVillager, RoleVillager, RoleVillager)
	s.Game.Status = StatusLobby
	s.Game.Phase = PhaseWaiting
	for i := range s.Players {
		s.Players[i].Role = ""
	}
	s.Players[1].DisconnectedAt = &testEpoch

	v := ViewFor(s, userID(1))
	assert.Empty(t, v.Phase)
	require.NotNil(t, v.You)
	assert.Empty(t, v.You.Role)
	assert.True(t, v.Players[1].Disconnected)
}

func TestPlayerJSONOmitsRole(t *testing.T) {
	b, err := json.Marshal(Player{ID: 1, Nickname: "Ada", Role: RoleSeer, IsAlive: true})
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"role"`)
	assert.NotContains(t, string(b), string(RoleSeer))
}
