package main

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const maxNicknameLen = 24

// mergeSettings fills zero fields of in from the server defaults.
func mergeSettings(defaults Settings, in *Settings) Settings {
	out := defaults
	out.Roles = copyRoles(defaults.Roles)
	if in == nil {
		return out
	}
	if in.MinPlayers != 0 {
		out.MinPlayers = in.MinPlayers
	}
	if in.MaxPlayers != 0 {
		out.MaxPlayers = in.MaxPlayers
	}
	if in.NightSeconds != 0 {
		out.NightSeconds = in.NightSeconds
	}
	if in.DiscussionSeconds != 0 {
		out.DiscussionSeconds = in.DiscussionSeconds
	}
	if in.VotingSeconds != 0 {
		out.VotingSeconds = in.VotingSeconds
	}
	if in.ExecutionSeconds != 0 {
		out.ExecutionSeconds = in.ExecutionSeconds
	}
	if len(in.Roles) > 0 {
		out.Roles = copyRoles(in.Roles)
	}
	return out
}

func copyRoles(in map[Role]int) map[Role]int {
	out := make(map[Role]int, len(in))
	for r, n := range in {
		out[r] = n
	}
	return out
}

// validateSettings rejects malformed or out-of-range settings.
func validateSettings(s Settings, playerCap int) error {
	if s.MinPlayers < 3 {
		return validationErr(ReasonInvalidSettings, "min_players must be at least 3")
	}
	if s.MaxPlayers < s.MinPlayers {
		return validationErr(ReasonInvalidSettings, "max_players %d is below min_players %d", s.MaxPlayers, s.MinPlayers)
	}
	if playerCap > 0 && s.MaxPlayers > playerCap {
		return validationErr(ReasonInvalidSettings, "max_players may not exceed %d", playerCap)
	}
	for _, d := range []int{s.NightSeconds, s.DiscussionSeconds, s.VotingSeconds, s.ExecutionSeconds} {
		if d <= 0 {
			return validationErr(ReasonInvalidSettings, "phase durations must be positive")
		}
	}
	if err := validateRoleCounts(s.MaxPlayers, s.Roles); err != nil {
		return err
	}
	if s.Roles[RoleWerewolf] < 1 {
		return validationErr(ReasonInvalidSettings, "at least one werewolf is required")
	}
	return nil
}

// foldNickname normalizes a nickname for case-insensitive comparison.
func foldNickname(name string) string {
	return cases.Fold().String(norm.NFC.String(name))
}

func cleanNickname(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	n := utf8.RuneCountInString(name)
	if n == 0 || n > maxNicknameLen {
		return "", validationErr(ReasonInvalidNickname, "nickname must be 1 to %d characters", maxNicknameLen)
	}
	return name, nil
}

// lowestFreeNumber returns the smallest positive player number not in use.
func lowestFreeNumber(players []Player) int {
	used := make(map[int]bool, len(players))
	for _, p := range players {
		used[p.Number] = true
	}
	n := 1
	for used[n] {
		n++
	}
	return n
}

// CreateGame opens a new lobby with a fresh join code. Missing settings
// fields take the server defaults.
func (e *Engine) CreateGame(ctx context.Context, in *Settings) (*Game, error) {
	settings := mergeSettings(e.cfg.DefaultSettings, in)
	if err := validateSettings(settings, e.cfg.PlayerCap); err != nil {
		return nil, err
	}

	now := e.now()
	g := &Game{
		ID:        uuid.NewString(),
		Status:    StatusLobby,
		Phase:     PhaseWaiting,
		Settings:  settings,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.store.WithTx(ctx, func(repo Repository) error {
		code, err := allocateCode(ctx, repo, e.genCode, e.cfg.CodeAttempts)
		if err != nil {
			return err
		}
		g.Code = code
		if err := repo.CreateGame(ctx, g); err != nil {
			return err
		}
		ev := publicEvent(g, EventGameCreated, Payload{"code": code})
		ev.CreatedAt = now
		return repo.AppendEvents(ctx, []GameEvent{ev})
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("game_id", g.ID).Str("code", g.Code).Msg("game created")
	return g, nil
}

// JoinGame seats an identity in the lobby with the given code. The first
// player becomes host. Joining again with the same identity returns the
// existing seat.
func (e *Engine) JoinGame(ctx context.Context, code, userID, nickname string) (*Game, *Player, error) {
	code = NormalizeCode(code)
	if !validCode(code) {
		return nil, nil, notFound(ReasonGameNotFound, "no active game with code %s", code)
	}
	found, err := e.store.Repo().GetGameByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}

	var seat Player
	t, err := e.mutate(ctx, found.ID, func(t *txn) error {
		if p := t.s.PlayerByUser(userID); p != nil {
			seat = *p
			return nil
		}
		g := &t.s.Game
		if g.Status != StatusLobby {
			return conflict(ReasonAlreadyStarted, "game %s is %s", g.Code, g.Status)
		}
		name, err := cleanNickname(nickname)
		if err != nil {
			return err
		}
		folded := foldNickname(name)
		for _, p := range t.s.Players {
			if foldNickname(p.Nickname) == folded {
				return conflict(ReasonNicknameTaken, "nickname %q is taken", name)
			}
		}
		if len(t.s.Players) >= g.Settings.MaxPlayers {
			return validationErr(ReasonGameFull, "game is full")
		}

		seat = Player{
			GameID:   g.ID,
			UserID:   userID,
			Number:   lowestFreeNumber(t.s.Players),
			Nickname: name,
			IsAlive:  true,
			IsHost:   len(t.s.Players) == 0,
			JoinedAt: t.now,
		}
		if err := t.repo.AddPlayer(t.ctx, &seat); err != nil {
			return err
		}
		t.s.Players = append(t.s.Players, seat)
		t.emit(publicEvent(g, EventPlayerJoined, Payload{
			"player_id":     seat.ID,
			"nickname":      seat.Nickname,
			"player_number": seat.Number,
			"is_host":       seat.IsHost,
		}))
		t.log.Debug().Int64("player_id", seat.ID).Int("player_number", seat.Number).Msg("player joined")
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &t.s.Game, &seat, nil
}

// removePlayer drops a lobby seat, transferring host or destroying the game
// when nobody is left.
func (t *txn) removePlayer(p Player) error {
	if err := t.repo.DeletePlayer(t.ctx, p.ID); err != nil {
		return err
	}
	kept := t.s.Players[:0]
	for _, q := range t.s.Players {
		if q.ID != p.ID {
			kept = append(kept, q)
		}
	}
	t.s.Players = kept

	if len(t.s.Players) == 0 {
		t.deleted = true
		return t.repo.DeleteGame(t.ctx, t.s.Game.ID)
	}
	t.emit(publicEvent(&t.s.Game, EventPlayerLeft, Payload{"player_id": p.ID, "nickname": p.Nickname}))
	return t.repairHost()
}

// LeaveGame removes the identity from a lobby. It returns nil when the game
// was destroyed because nobody is left.
func (e *Engine) LeaveGame(ctx context.Context, gameID, userID string) (*Game, error) {
	t, err := e.mutate(ctx, gameID, func(t *txn) error {
		p := t.s.PlayerByUser(userID)
		if p == nil {
			return notFound(ReasonNotInGame, "not a player of this game")
		}
		if t.s.Game.Status != StatusLobby {
			return conflict(ReasonGameInProgress, "cannot leave a game that is %s", t.s.Game.Status)
		}
		return t.removePlayer(*p)
	})
	if err != nil {
		return nil, err
	}
	if t.deleted {
		e.log.Info().Str("game_id", gameID).Msg("last player left, game destroyed")
		return nil, nil
	}
	return &t.s.Game, nil
}

// StartGame assigns roles and enters the first night. Only the host may start.
func (e *Engine) StartGame(ctx context.Context, gameID, userID string) (*Game, error) {
	t, err := e.mutate(ctx, gameID, func(t *txn) error {
		g := &t.s.Game
		if g.Status != StatusLobby {
			return conflict(ReasonAlreadyStarted, "game is %s", g.Status)
		}
		requester := t.s.PlayerByUser(userID)
		if requester == nil || !requester.IsHost {
			return unauthorized(ReasonNotHost, "only the host can start the game")
		}
		n := len(t.s.Players)
		if n < g.Settings.MinPlayers {
			return validationErr(ReasonNotEnoughPlayers, "%d players joined, %d required", n, g.Settings.MinPlayers)
		}
		if err := validateRoleCounts(n, g.Settings.Roles); err != nil {
			return err
		}

		roles, err := assignRoles(t.s.Players, g.Settings.Roles, e.shuffle)
		if err != nil {
			return err
		}
		members := make(map[Role][]int64)
		for i := range t.s.Players {
			p := &t.s.Players[i]
			p.Role = roles[i]
			p.IsAlive = true
			if err := t.savePlayer(p); err != nil {
				return err
			}
			rs := t.s.RoleState(p.ID)
			if err := t.repo.UpsertRoleState(t.ctx, rs); err != nil {
				return err
			}
			members[p.Role] = append(members[p.Role], p.ID)
		}

		g.Status = StatusInProgress
		g.DayNumber = 1
		g.StartedAt = &t.now
		t.emit(publicEvent(g, EventGameStarted, Payload{"player_count": n}))
		for _, p := range t.s.Players {
			info, _ := LookupRole(p.Role)
			t.emit(privateEvent(g, EventRoleAssigned, Payload{
				"role":        string(p.Role),
				"side":        string(info.Side),
				"description": info.Description,
			}, p.ID))
		}
		if wolves := members[RoleWerewolf]; len(wolves) > 0 {
			t.emit(roleEvent(g, EventPackRevealed, RoleWerewolf, Payload{"members": wolves}, wolves...))
		}
		if masons := members[RoleMason]; len(masons) > 0 {
			t.emit(roleEvent(g, EventMasonsRevealed, RoleMason, Payload{"members": masons}, masons...))
		}
		t.log.Info().Int("players", n).Int("roles", len(members)).Msg("game started")
		return t.enterPhase(PhaseNight)
	})
	if err != nil {
		return nil, err
	}
	return &t.s.Game, nil
}

// MarkDisconnected flags a player as gone without removing them.
func (e *Engine) MarkDisconnected(ctx context.Context, gameID, userID string) error {
	return e.setPresence(ctx, gameID, userID, false)
}

// MarkReconnected clears the disconnect flag.
func (e *Engine) MarkReconnected(ctx context.Context, gameID, userID string) error {
	return e.setPresence(ctx, gameID, userID, true)
}

func (e *Engine) setPresence(ctx context.Context, gameID, userID string, connected bool) error {
	_, err := e.mutate(ctx, gameID, func(t *txn) error {
		p := t.s.PlayerByUser(userID)
		if p == nil {
			return nil
		}
		if connected == (p.DisconnectedAt == nil) {
			return nil
		}
		ev := EventPlayerReconnected
		if connected {
			p.DisconnectedAt = nil
		} else {
			p.DisconnectedAt = &t.now
			ev = EventPlayerDisconnected
		}
		if err := t.savePlayer(p); err != nil {
			return err
		}
		t.emit(publicEvent(&t.s.Game, ev, Payload{"player_id": p.ID, "nickname": p.Nickname}))
		return nil
	})
	return err
}

// SweepLobbies removes lobby players disconnected for longer than grace and
// cancels lobbies older than maxAge.
func (e *Engine) SweepLobbies(ctx context.Context, grace, maxAge time.Duration) error {
	games, err := e.store.Repo().ListGames(ctx, StatusLobby)
	if err != nil {
		return err
	}
	for _, g := range games {
		_, err := e.mutate(ctx, g.ID, func(t *txn) error {
			if t.s.Game.Status != StatusLobby {
				return nil
			}
			for _, p := range append([]Player(nil), t.s.Players...) {
				if p.DisconnectedAt == nil || t.now.Sub(*p.DisconnectedAt) < grace {
					continue
				}
				if err := t.removePlayer(p); err != nil {
					return err
				}
				if t.deleted {
					return nil
				}
			}
			if maxAge > 0 && t.now.Sub(t.s.Game.CreatedAt) >= maxAge {
				t.log.Info().Msg("lobby timed out")
				return t.cancel("lobby timed out")
			}
			return nil
		})
		if err != nil && KindOf(err) != KindNotFound {
			e.log.Error().Err(err).Str("game_id", g.ID).Msg("lobby sweep failed")
		}
	}
	return nil
}
