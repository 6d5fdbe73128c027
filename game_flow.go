package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Publisher pushes committed events to connected clients. players is the
// post-commit roster used to route non-public events.
type Publisher interface {
	Publish(gameID string, events []GameEvent, players []Player)
}

// PhaseScheduler arms the deadline of the current phase. Scheduling replaces
// any earlier deadline of the same game.
type PhaseScheduler interface {
	Schedule(gameID string, at time.Time, fire func()) error
	Cancel(gameID string)
}

// EngineConfig holds the server-wide knobs of the engine.
type EngineConfig struct {
	DefaultSettings Settings
	PlayerCap       int
	CodeAttempts    int
	RetryDelay      time.Duration
}

// Engine is the game phase state machine. It is the only component that
// mutates authoritative game state. Mutations of one game are serialized by a
// per-game lock and committed in a single transaction.
type Engine struct {
	store    GameStore
	sched    PhaseScheduler
	pub      Publisher
	clock    clockwork.Clock
	log      zerolog.Logger
	cfg      EngineConfig
	shuffle  Shuffler
	genCode  codeGenerator
	narrator *Narrator

	locks sync.Map // game id -> *sync.Mutex
}

func NewEngine(store GameStore, sched PhaseScheduler, pub Publisher, clock clockwork.Clock, log zerolog.Logger, cfg EngineConfig) *Engine {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Engine{
		store:   store,
		sched:   sched,
		pub:     pub,
		clock:   clock,
		log:     log,
		cfg:     cfg,
		shuffle: shuffleRoles,
		genCode: generateGameCode,
	}
}

// SetNarrator enables story generation after deaths.
func (e *Engine) SetNarrator(n *Narrator) {
	if n != nil {
		n.engine = e
	}
	e.narrator = n
}

func (e *Engine) lock(gameID string) func() {
	v, _ := e.locks.LoadOrStore(gameID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// txn is one serialized unit of work against a single game.
type txn struct {
	ctx    context.Context
	repo   Repository
	s      *Snapshot
	now    time.Time
	log    zerolog.Logger
	events []GameEvent

	arm         *time.Time // deadline to schedule after commit
	cancelTimer bool
	deleted     bool
	died        bool
}

func (t *txn) emit(events ...GameEvent) {
	for _, ev := range events {
		ev.CreatedAt = t.now
		t.events = append(t.events, ev)
	}
}

func (t *txn) saveGame() error {
	t.s.Game.UpdatedAt = t.now
	return t.repo.UpdateGame(t.ctx, &t.s.Game)
}

func (t *txn) savePlayer(p *Player) error {
	return t.repo.UpdatePlayer(t.ctx, p)
}

// apply persists a resolution and folds it into the snapshot.
func (t *txn) apply(res *Resolution) error {
	res.applyTo(t.s)
	for _, d := range res.Deaths {
		if err := t.savePlayer(t.s.Player(d.PlayerID)); err != nil {
			return err
		}
	}
	for _, rs := range res.RoleStates {
		if err := t.repo.UpsertRoleState(t.ctx, rs); err != nil {
			return err
		}
	}
	for i := range res.NewLovers {
		if err := t.repo.AddLoverPair(t.ctx, &res.NewLovers[i]); err != nil {
			return err
		}
	}
	if err := t.repo.MarkActionsProcessed(t.ctx, res.Processed); err != nil {
		return err
	}
	t.emit(res.Events...)
	if res.Died() {
		t.died = true
	}
	return nil
}

// mutate runs fn against a fresh snapshot inside one transaction while holding
// the game lock. Events are published after commit, still under the lock, so
// observers see them in commit order.
func (e *Engine) mutate(ctx context.Context, gameID string, fn func(t *txn) error) (*txn, error) {
	unlock := e.lock(gameID)
	defer unlock()

	var t *txn
	err := e.store.WithTx(ctx, func(repo Repository) error {
		s, err := loadSnapshot(ctx, repo, gameID)
		if err != nil {
			return err
		}
		t = &txn{
			ctx:  ctx,
			repo: repo,
			s:    s,
			now:  e.now(),
			log:  e.log.With().Str("game_id", gameID).Logger(),
		}
		if err := fn(t); err != nil {
			return err
		}
		return repo.AppendEvents(ctx, t.events)
	})
	if err != nil {
		return nil, err
	}
	e.afterCommit(t)
	return t, nil
}

func (e *Engine) afterCommit(t *txn) {
	gameID := t.s.Game.ID
	switch {
	case t.deleted || t.cancelTimer:
		e.sched.Cancel(gameID)
	case t.arm != nil:
		phase, day := t.s.Game.Phase, t.s.Game.DayNumber
		if err := e.sched.Schedule(gameID, *t.arm, func() { e.timerFired(gameID, phase, day) }); err != nil {
			e.log.Error().Err(err).Str("game_id", gameID).Msg("failed to arm phase timer")
		}
	}
	if len(t.events) > 0 && e.pub != nil {
		e.pub.Publish(gameID, t.events, t.s.Players)
	}
	if t.died && e.narrator != nil && !t.deleted {
		e.narrator.Narrate(gameID)
	}
	if t.deleted || !t.s.Game.Status.Active() {
		e.locks.Delete(gameID)
	}
}

// timerFired ends the phase the timer was armed for. Stale timers are no-ops.
// Failed transitions are retried since resolution only sees unprocessed work.
func (e *Engine) timerFired(gameID string, phase Phase, day int) {
	ctx := context.Background()
	err := e.AdvanceIfCurrent(ctx, gameID, phase, day)
	if err == nil || KindOf(err) == KindNotFound {
		return
	}
	e.log.Error().Err(err).Str("game_id", gameID).Str("phase", string(phase)).Int("day", day).
		Msg("phase transition failed, retrying")
	retryAt := e.now().Add(e.cfg.RetryDelay)
	if err := e.sched.Schedule(gameID, retryAt, func() { e.timerFired(gameID, phase, day) }); err != nil {
		e.log.Error().Err(err).Str("game_id", gameID).Msg("failed to re-arm phase timer")
	}
}

// AdvanceIfCurrent ends the given phase if the game is still in it.
func (e *Engine) AdvanceIfCurrent(ctx context.Context, gameID string, phase Phase, day int) error {
	_, err := e.mutate(ctx, gameID, func(t *txn) error {
		g := t.s.Game
		if g.Status != StatusInProgress || g.Phase != phase || g.DayNumber != day {
			t.log.Debug().Str("phase", string(phase)).Int("day", day).Msg("stale phase timer ignored")
			return nil
		}
		return t.endPhase()
	})
	return err
}

// ForceAdvancePhase ends whatever phase the game is in.
func (e *Engine) ForceAdvancePhase(ctx context.Context, gameID string) (*Game, error) {
	t, err := e.mutate(ctx, gameID, func(t *txn) error {
		if t.s.Game.Status != StatusInProgress {
			return validationErr(ReasonNotInProgress, "game is %s", t.s.Game.Status)
		}
		return t.endPhase()
	})
	if err != nil {
		return nil, err
	}
	return &t.s.Game, nil
}

// AdvancePhase lets the host cut DISCUSSION or EXECUTION short.
func (e *Engine) AdvancePhase(ctx context.Context, gameID, userID string) (*Game, error) {
	t, err := e.mutate(ctx, gameID, func(t *txn) error {
		if r := checkInProgress(t.s, ""); r != nil {
			return validationErr(r.Reason, "%s", r.Message)
		}
		p := t.s.PlayerByUser(userID)
		if p == nil {
			return unauthorized(ReasonNotInGame, "not a player of this game")
		}
		if !p.IsHost {
			return unauthorized(ReasonNotHost, "only the host can advance the phase")
		}
		if ph := t.s.Game.Phase; ph != PhaseDiscussion && ph != PhaseExecution {
			return validationErr(ReasonWrongPhase, "%s cannot be skipped", ph)
		}
		return t.endPhase()
	})
	if err != nil {
		return nil, err
	}
	return &t.s.Game, nil
}

// endPhase resolves the ending phase, checks for a winner and enters the next phase.
func (t *txn) endPhase() error {
	g := &t.s.Game
	if err := t.apply(expireShots(t.s, t.now)); err != nil {
		return err
	}

	switch g.Phase {
	case PhaseNight:
		res := resolveNight(t.s, t.now)
		if err := t.apply(res); err != nil {
			return err
		}
		t.log.Debug().Int("day", g.DayNumber).Int("deaths", len(res.Deaths)).Msg("night resolved")
		return t.continueOrFinish(PhaseDiscussion)
	case PhaseDiscussion:
		return t.enterPhase(PhaseVoting)
	case PhaseVoting:
		res := resolveVotes(t.s, t.now)
		if err := t.apply(res); err != nil {
			return err
		}
		t.log.Debug().Int("day", g.DayNumber).Bool("eliminated", res.Eliminated != nil).Msg("vote resolved")
		return t.continueOrFinish(PhaseExecution)
	case PhaseExecution:
		g.DayNumber++
		return t.enterPhase(PhaseNight)
	}
	return validationErr(ReasonWrongPhase, "phase %s has no successor", g.Phase)
}

// continueOrFinish ends the game if someone won, otherwise repairs the host and moves on.
func (t *txn) continueOrFinish(next Phase) error {
	over, err := t.checkWin()
	if err != nil || over {
		return err
	}
	if err := t.repairHost(); err != nil {
		return err
	}
	if next == "" {
		return t.saveGame()
	}
	return t.enterPhase(next)
}

func (t *txn) enterPhase(p Phase) error {
	g := &t.s.Game
	g.Phase = p
	ends := t.now.Add(g.Settings.PhaseDuration(p))
	g.PhaseEndsAt = &ends
	if err := t.saveGame(); err != nil {
		return err
	}
	t.emit(publicEvent(g, EventPhaseChanged, Payload{
		"phase":   string(p),
		"day":     g.DayNumber,
		"ends_at": ends,
	}))
	t.arm = &ends
	t.log.Debug().Str("phase", string(p)).Int("day", g.DayNumber).Msg("phase entered")
	return nil
}

// checkWin finishes the game when the evaluator declares a winner. A board
// with nobody alive has no aggressors left and goes to the village.
func (t *txn) checkWin() (bool, error) {
	g := &t.s.Game
	w := evaluateWin(t.s)
	if !w.Over {
		return false, nil
	}
	g.Status = StatusCompleted
	g.Phase = PhaseGameOver
	g.WinningSide = w.Side
	g.EndedAt = &t.now
	g.PhaseEndsAt = nil
	if err := t.saveGame(); err != nil {
		return true, err
	}
	t.emit(publicEvent(g, EventGameEnded, Payload{
		"winning_side": string(w.Side),
		"winners":      w.Winners,
	}))
	t.cancelTimer = true
	t.log.Info().Str("winning_side", string(w.Side)).Int("day", g.DayNumber).Msg("game ended")
	return true, nil
}

func (t *txn) cancel(reason string) error {
	g := &t.s.Game
	g.Status = StatusCancelled
	g.EndedAt = &t.now
	g.PhaseEndsAt = nil
	if err := t.saveGame(); err != nil {
		return err
	}
	t.emit(publicEvent(g, EventGameCancelled, Payload{"reason": reason}))
	t.cancelTimer = true
	return nil
}

// repairHost keeps exactly one host: any remaining player in the lobby, an
// alive player once the game runs. An in-progress game with nobody alive is cancelled.
func (t *txn) repairHost() error {
	g := &t.s.Game
	host := t.s.Host()
	var candidates []*Player
	switch g.Status {
	case StatusLobby:
		if host != nil {
			return nil
		}
		for i := range t.s.Players {
			candidates = append(candidates, &t.s.Players[i])
		}
	case StatusInProgress:
		if host != nil && host.IsAlive {
			return nil
		}
		candidates = t.s.Alive()
	default:
		return nil
	}

	if len(candidates) == 0 {
		if g.Status == StatusInProgress {
			t.log.Error().Msg("in-progress game has no alive players, cancelling")
			return t.cancel("no players alive")
		}
		return nil
	}

	next := candidates[0]
	payload := Payload{"player_id": next.ID, "nickname": next.Nickname}
	if host != nil {
		host.IsHost = false
		if err := t.savePlayer(host); err != nil {
			return err
		}
		payload["previous_id"] = host.ID
	}
	next.IsHost = true
	if err := t.savePlayer(next); err != nil {
		return err
	}
	t.emit(publicEvent(g, EventHostChanged, payload))
	return nil
}

// CastVote records a ballot; a nil target is an explicit skip. A second vote
// by the same voter in the same round replaces the first. When every alive
// player has voted the round resolves immediately.
func (e *Engine) CastVote(ctx context.Context, gameID, userID string, targetID *int64) (VoteOutcome, error) {
	var out VoteOutcome
	_, err := e.mutate(ctx, gameID, func(t *txn) error {
		voter := t.s.PlayerByUser(userID)
		if voter == nil {
			out = rejectedVote(reject(ReasonNotInGame, "not a player of this game"))
			return nil
		}
		if r := validateVote(t.s, voter.ID, targetID); r != nil {
			out = rejectedVote(r)
			return nil
		}

		g := &t.s.Game
		v := Vote{
			GameID:    g.ID,
			VoterID:   voter.ID,
			TargetID:  targetID,
			Phase:     g.Phase,
			Day:       g.DayNumber,
			Round:     currentRound,
			CreatedAt: t.now,
		}
		replaced, err := t.repo.UpsertVote(t.ctx, &v)
		if err != nil {
			return err
		}
		t.s.Votes = replaceVote(t.s.Votes, v)
		out = VoteOutcome{Accepted: true, Vote: &v, Replaced: replaced}

		t.emit(publicEvent(g, EventVoteCast, Payload{"voter_id": voter.ID, "target_id": targetID, "replaced": replaced}))
		t.log.Debug().Int64("voter_id", voter.ID).Bool("replaced", replaced).Msg("vote recorded")

		return t.endIfComplete()
	})
	if err != nil {
		return VoteOutcome{}, err
	}
	return out, nil
}

// endIfComplete ends VOTING or NIGHT early once nobody alive is left to act.
func (t *txn) endIfComplete() error {
	g := &t.s.Game
	if g.Status != StatusInProgress {
		return nil
	}
	switch {
	case g.Phase == PhaseVoting && votingComplete(t.s),
		g.Phase == PhaseNight && nightComplete(t.s):
		return t.endPhase()
	}
	return nil
}

func replaceVote(votes []Vote, v Vote) []Vote {
	for i := range votes {
		if votes[i].VoterID == v.VoterID && votes[i].Phase == v.Phase && votes[i].Day == v.Day && votes[i].Round == v.Round {
			votes[i] = v
			return votes
		}
	}
	return append(votes, v)
}

// PerformNightAction records one night action. The night resolves early once
// every alive player with a usable action has acted.
func (e *Engine) PerformNightAction(ctx context.Context, gameID, userID string, action ActionType, targetID int64, secondaryID *int64) (ActionOutcome, error) {
	var out ActionOutcome
	_, err := e.mutate(ctx, gameID, func(t *txn) error {
		actor := t.s.PlayerByUser(userID)
		if actor == nil {
			out = rejectedAction(reject(ReasonNotInGame, "not a player of this game"))
			return nil
		}
		if r := validateNightAction(t.s, actor.ID, action, targetID, secondaryID); r != nil {
			out = rejectedAction(r)
			return nil
		}

		g := &t.s.Game
		a := GameAction{
			GameID:            g.ID,
			ActorID:           actor.ID,
			Type:              action,
			TargetID:          targetID,
			SecondaryTargetID: secondaryID,
			Phase:             g.Phase,
			Day:               g.DayNumber,
			CreatedAt:         t.now,
		}
		if err := t.repo.AddAction(t.ctx, &a); err != nil {
			var ge *GameError
			if errors.As(err, &ge) && ge.Reason == ReasonDuplicateAction {
				out = rejectedAction(reject(ge.Reason, "%s", ge.Message))
				return nil
			}
			return err
		}
		t.s.Actions = append(t.s.Actions, a)
		out = ActionOutcome{Accepted: true, Action: &a}

		t.emit(privateEvent(g, EventActionRecorded, Payload{
			"action_type":         string(action),
			"target_id":           targetID,
			"secondary_target_id": secondaryID,
		}, actor.ID))
		if action == ActionKill {
			t.emit(roleEvent(g, EventPackVote, actor.Role, Payload{"actor_id": actor.ID, "target_id": targetID}))
		}
		t.log.Debug().Int64("player_id", actor.ID).Msg("night action recorded")

		return t.endIfComplete()
	})
	if err != nil {
		return ActionOutcome{}, err
	}
	return out, nil
}

// HunterShoot applies a dead hunter's pending shot immediately.
func (e *Engine) HunterShoot(ctx context.Context, gameID, userID string, targetID int64) (ActionOutcome, error) {
	var out ActionOutcome
	_, err := e.mutate(ctx, gameID, func(t *txn) error {
		actor := t.s.PlayerByUser(userID)
		if actor == nil {
			out = rejectedAction(reject(ReasonNotInGame, "not a player of this game"))
			return nil
		}
		if r := validateShot(t.s, actor.ID, targetID); r != nil {
			out = rejectedAction(r)
			return nil
		}

		g := &t.s.Game
		a := GameAction{
			GameID:    g.ID,
			ActorID:   actor.ID,
			Type:      ActionShoot,
			TargetID:  targetID,
			Phase:     g.Phase,
			Day:       g.DayNumber,
			Processed: true,
			CreatedAt: t.now,
		}
		if err := t.repo.AddAction(t.ctx, &a); err != nil {
			return err
		}
		if err := t.apply(resolveShot(t.s, actor.ID, targetID, t.now)); err != nil {
			return err
		}
		out = ActionOutcome{Accepted: true, Action: &a}
		t.log.Debug().Int64("player_id", actor.ID).Msg("hunter shot applied")
		if err := t.continueOrFinish(""); err != nil {
			return err
		}
		return t.endIfComplete()
	})
	if err != nil {
		return ActionOutcome{}, err
	}
	return out, nil
}

// Resume re-arms timers of running games after a restart, finishes games
// that are already decided and repairs games that lost their host.
func (e *Engine) Resume(ctx context.Context) error {
	games, err := e.store.Repo().ListGames(ctx, StatusInProgress)
	if err != nil {
		return err
	}
	for _, g := range games {
		_, err := e.mutate(ctx, g.ID, func(t *txn) error {
			if t.s.Game.Status != StatusInProgress {
				return nil
			}
			over, err := t.checkWin()
			if err != nil || over {
				return err
			}
			if err := t.repairHost(); err != nil {
				return err
			}
			at := t.now
			if t.s.Game.PhaseEndsAt != nil {
				at = *t.s.Game.PhaseEndsAt
			}
			t.arm = &at
			return nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("game_id", g.ID).Msg("failed to resume game")
			continue
		}
	}
	e.log.Info().Int("games", len(games)).Msg("resumed running games")
	return nil
}

// AppendStory adds narration text as a public event.
func (e *Engine) AppendStory(ctx context.Context, gameID, text string) error {
	_, err := e.mutate(ctx, gameID, func(t *txn) error {
		t.emit(publicEvent(&t.s.Game, EventStory, Payload{"text": text}))
		return nil
	})
	return err
}

// Snapshot loads the full, unredacted state of a game.
func (e *Engine) Snapshot(ctx context.Context, gameID string) (*Snapshot, error) {
	return loadSnapshot(ctx, e.store.Repo(), gameID)
}

// View returns the projection of a game for one identity.
func (e *Engine) View(ctx context.Context, gameID, userID string) (GameView, error) {
	s, err := e.Snapshot(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	return ViewFor(s, userID), nil
}

// Events returns the events after seq that the identity may see.
func (e *Engine) Events(ctx context.Context, gameID, userID string, after int64) ([]GameEvent, error) {
	s, err := e.Snapshot(ctx, gameID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.Repo().ListEvents(ctx, gameID, after)
	if err != nil {
		return nil, err
	}
	return FilterEvents(events, s.PlayerByUser(userID)), nil
}
