package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Repository is the persistence surface the core uses inside one unit of work.
type Repository interface {
	CreateGame(ctx context.Context, g *Game) error
	GetGame(ctx context.Context, id string) (*Game, error)
	GetGameByCode(ctx context.Context, code string) (*Game, error)
	CodeInUse(ctx context.Context, code string) (bool, error)
	UpdateGame(ctx context.Context, g *Game) error
	DeleteGame(ctx context.Context, id string) error
	ListGames(ctx context.Context, statuses ...GameStatus) ([]Game, error)

	AddPlayer(ctx context.Context, p *Player) error
	ListPlayers(ctx context.Context, gameID string) ([]Player, error)
	UpdatePlayer(ctx context.Context, p *Player) error
	DeletePlayer(ctx context.Context, id int64) error

	UpsertRoleState(ctx context.Context, rs *RoleState) error
	ListRoleStates(ctx context.Context, gameID string) ([]RoleState, error)

	UpsertVote(ctx context.Context, v *Vote) (replaced bool, err error)
	ListVotes(ctx context.Context, gameID string, phase Phase, day, round int) ([]Vote, error)

	AddAction(ctx context.Context, a *GameAction) error
	ListPendingActions(ctx context.Context, gameID string) ([]GameAction, error)
	MarkActionsProcessed(ctx context.Context, ids []int64) error

	AddLoverPair(ctx context.Context, lp *LoverPair) error
	ListLoverPairs(ctx context.Context, gameID string) ([]LoverPair, error)

	AppendEvents(ctx context.Context, events []GameEvent) error
	ListEvents(ctx context.Context, gameID string, afterSeq int64) ([]GameEvent, error)
}

// GameStore opens units of work. Everything written inside fn commits
// together or not at all.
type GameStore interface {
	WithTx(ctx context.Context, fn func(Repository) error) error
	Repo() Repository
	Close() error
}

const schema = `
	CREATE TABLE IF NOT EXISTS game (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'LOBBY',
		phase TEXT NOT NULL DEFAULT 'WAITING',
		day_number INTEGER NOT NULL DEFAULT 0,
		settings TEXT NOT NULL DEFAULT '{}',
		winning_side TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		phase_ends_at DATETIME
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_game_active_code ON game(code)
		WHERE status IN ('LOBBY', 'IN_PROGRESS');

	CREATE TABLE IF NOT EXISTS player (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		player_number INTEGER NOT NULL,
		nickname TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		is_alive INTEGER NOT NULL DEFAULT 1,
		is_host INTEGER NOT NULL DEFAULT 0,
		joined_at DATETIME NOT NULL,
		disconnected_at DATETIME,
		FOREIGN KEY (game_id) REFERENCES game(id),
		UNIQUE(game_id, user_id),
		UNIQUE(game_id, player_number)
	);

	CREATE TABLE IF NOT EXISTS role_state (
		player_id INTEGER PRIMARY KEY,
		game_id TEXT NOT NULL,
		heal_potion_used INTEGER NOT NULL DEFAULT 0,
		poison_potion_used INTEGER NOT NULL DEFAULT 0,
		has_shot INTEGER NOT NULL DEFAULT 0,
		shot_pending INTEGER NOT NULL DEFAULT 0,
		is_lover INTEGER NOT NULL DEFAULT 0,
		last_protected_id INTEGER,
		last_protected_day INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (player_id) REFERENCES player(id)
	);

	CREATE TABLE IF NOT EXISTS vote (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		voter_id INTEGER NOT NULL,
		target_id INTEGER,
		phase TEXT NOT NULL,
		day INTEGER NOT NULL,
		round INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(game_id, voter_id, phase, day, round)
	);

	CREATE TABLE IF NOT EXISTS game_action (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		actor_id INTEGER NOT NULL,
		action_type TEXT NOT NULL,
		target_id INTEGER NOT NULL,
		secondary_target_id INTEGER,
		phase TEXT NOT NULL,
		day INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_game_action_pending ON game_action(game_id, actor_id, phase, day)
		WHERE processed = 0;

	CREATE TABLE IF NOT EXISTS lover_pair (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		player_a INTEGER NOT NULL,
		player_b INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(game_id, player_a),
		UNIQUE(game_id, player_b)
	);

	CREATE TABLE IF NOT EXISTS game_event (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		visibility TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		recipients TEXT NOT NULL DEFAULT '[]',
		day INTEGER NOT NULL,
		phase TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_game_event_lookup ON game_event(game_id, seq);
`

type sqlStore struct {
	db *sqlx.DB
}

// openStore connects to SQLite and applies the schema. A bare file path gets
// WAL and a busy timeout.
func openStore(dsn string) (*sqlStore, error) {
	if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dsn)
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dsn, err)
	}
	// One writer at a time; units of work must not touch the pool while inside WithTx.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &sqlStore{db: db}, nil
}

func (s *sqlStore) WithTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqlRepo{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Repo returns a repository outside any transaction, for reads.
func (s *sqlStore) Repo() Repository {
	return &sqlRepo{ext: s.db}
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type sqlRepo struct {
	ext sqlx.ExtContext
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

const gameColumns = `id, code, status, phase, day_number, settings, winning_side, version,
	created_at, updated_at, started_at, ended_at, phase_ends_at`

func (r *sqlRepo) CreateGame(ctx context.Context, g *Game) error {
	if g.Version == 0 {
		g.Version = 1
	}
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO game (`+gameColumns+`)
		VALUES (:id, :code, :status, :phase, :day_number, :settings, :winning_side, :version,
			:created_at, :updated_at, :started_at, :ended_at, :phase_ends_at)`, g)
	if isUniqueViolation(err) {
		return conflict(ReasonCodeSpaceExhausted, "game code %s already in use", g.Code)
	}
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

func (r *sqlRepo) GetGame(ctx context.Context, id string) (*Game, error) {
	var g Game
	err := sqlx.GetContext(ctx, r.ext, &g, `SELECT `+gameColumns+` FROM game WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(ReasonGameNotFound, "game %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", id, err)
	}
	return &g, nil
}

func (r *sqlRepo) GetGameByCode(ctx context.Context, code string) (*Game, error) {
	var g Game
	err := sqlx.GetContext(ctx, r.ext, &g, `SELECT `+gameColumns+` FROM game
		WHERE code = ? AND status IN ('LOBBY', 'IN_PROGRESS')`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(ReasonGameNotFound, "no active game with code %s", code)
	}
	if err != nil {
		return nil, fmt.Errorf("get game by code: %w", err)
	}
	return &g, nil
}

func (r *sqlRepo) CodeInUse(ctx context.Context, code string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, r.ext, &n, `SELECT COUNT(*) FROM game
		WHERE code = ? AND status IN ('LOBBY', 'IN_PROGRESS')`, code)
	if err != nil {
		return false, fmt.Errorf("count codes: %w", err)
	}
	return n > 0, nil
}

// UpdateGame writes g if nobody else changed it since it was read, then bumps its version.
func (r *sqlRepo) UpdateGame(ctx context.Context, g *Game) error {
	res, err := sqlx.NamedExecContext(ctx, r.ext, `
		UPDATE game SET
			status = :status,
			phase = :phase,
			day_number = :day_number,
			settings = :settings,
			winning_side = :winning_side,
			version = version + 1,
			updated_at = :updated_at,
			started_at = :started_at,
			ended_at = :ended_at,
			phase_ends_at = :phase_ends_at
		WHERE id = :id AND version = :version`, g)
	if err != nil {
		return fmt.Errorf("update game %s: %w", g.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update game %s: %w", g.ID, err)
	}
	if n == 0 {
		return conflict(ReasonStaleGame, "game %s changed concurrently", g.ID)
	}
	g.Version++
	return nil
}

func (r *sqlRepo) DeleteGame(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM game_event WHERE game_id = ?`,
		`DELETE FROM lover_pair WHERE game_id = ?`,
		`DELETE FROM game_action WHERE game_id = ?`,
		`DELETE FROM vote WHERE game_id = ?`,
		`DELETE FROM role_state WHERE game_id = ?`,
		`DELETE FROM player WHERE game_id = ?`,
		`DELETE FROM game WHERE id = ?`,
	} {
		if _, err := r.ext.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete game %s: %w", id, err)
		}
	}
	return nil
}

func (r *sqlRepo) ListGames(ctx context.Context, statuses ...GameStatus) ([]Game, error) {
	games := []Game{}
	if len(statuses) == 0 {
		err := sqlx.SelectContext(ctx, r.ext, &games, `SELECT `+gameColumns+` FROM game ORDER BY created_at`)
		return games, err
	}
	query, args, err := sqlx.In(`SELECT `+gameColumns+` FROM game WHERE status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, err
	}
	if err := sqlx.SelectContext(ctx, r.ext, &games, r.ext.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	return games, nil
}

const playerColumns = `id, game_id, user_id, player_number, nickname, role, is_alive, is_host, joined_at, disconnected_at`

func (r *sqlRepo) AddPlayer(ctx context.Context, p *Player) error {
	res, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO player (game_id, user_id, player_number, nickname, role, is_alive, is_host, joined_at, disconnected_at)
		VALUES (:game_id, :user_id, :player_number, :nickname, :role, :is_alive, :is_host, :joined_at, :disconnected_at)`, p)
	if isUniqueViolation(err) {
		return conflict(ReasonAlreadyJoined, "player already seated")
	}
	if err != nil {
		return fmt.Errorf("insert player: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (r *sqlRepo) ListPlayers(ctx context.Context, gameID string) ([]Player, error) {
	players := []Player{}
	err := sqlx.SelectContext(ctx, r.ext, &players, `SELECT `+playerColumns+` FROM player
		WHERE game_id = ? ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	return players, nil
}

func (r *sqlRepo) UpdatePlayer(ctx context.Context, p *Player) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		UPDATE player SET
			player_number = :player_number,
			nickname = :nickname,
			role = :role,
			is_alive = :is_alive,
			is_host = :is_host,
			disconnected_at = :disconnected_at
		WHERE id = :id`, p)
	if err != nil {
		return fmt.Errorf("update player %d: %w", p.ID, err)
	}
	return nil
}

func (r *sqlRepo) DeletePlayer(ctx context.Context, id int64) error {
	if _, err := r.ext.ExecContext(ctx, `DELETE FROM role_state WHERE player_id = ?`, id); err != nil {
		return fmt.Errorf("delete role state %d: %w", id, err)
	}
	if _, err := r.ext.ExecContext(ctx, `DELETE FROM player WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete player %d: %w", id, err)
	}
	return nil
}

// UpsertRoleState writes a role state. Resource flags are merged with MAX so
// a stored true can never be overwritten with false.
func (r *sqlRepo) UpsertRoleState(ctx context.Context, rs *RoleState) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO role_state (player_id, game_id, heal_potion_used, poison_potion_used, has_shot,
			shot_pending, is_lover, last_protected_id, last_protected_day)
		VALUES (:player_id, :game_id, :heal_potion_used, :poison_potion_used, :has_shot,
			:shot_pending, :is_lover, :last_protected_id, :last_protected_day)
		ON CONFLICT(player_id) DO UPDATE SET
			heal_potion_used = MAX(role_state.heal_potion_used, excluded.heal_potion_used),
			poison_potion_used = MAX(role_state.poison_potion_used, excluded.poison_potion_used),
			has_shot = MAX(role_state.has_shot, excluded.has_shot),
			is_lover = MAX(role_state.is_lover, excluded.is_lover),
			shot_pending = excluded.shot_pending,
			last_protected_id = excluded.last_protected_id,
			last_protected_day = excluded.last_protected_day`, rs)
	if err != nil {
		return fmt.Errorf("upsert role state %d: %w", rs.PlayerID, err)
	}
	return nil
}

func (r *sqlRepo) ListRoleStates(ctx context.Context, gameID string) ([]RoleState, error) {
	states := []RoleState{}
	err := sqlx.SelectContext(ctx, r.ext, &states, `
		SELECT player_id, game_id, heal_potion_used, poison_potion_used, has_shot, shot_pending,
			is_lover, last_protected_id, last_protected_day
		FROM role_state WHERE game_id = ?`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list role states: %w", err)
	}
	return states, nil
}

// UpsertVote records a ballot, replacing any earlier one with the same key.
func (r *sqlRepo) UpsertVote(ctx context.Context, v *Vote) (bool, error) {
	var existing int64
	err := sqlx.GetContext(ctx, r.ext, &existing, `SELECT id FROM vote
		WHERE game_id = ? AND voter_id = ? AND phase = ? AND day = ? AND round = ?`,
		v.GameID, v.VoterID, v.Phase, v.Day, v.Round)
	replaced := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("find vote: %w", err)
	}

	_, err = sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO vote (game_id, voter_id, target_id, phase, day, round, created_at)
		VALUES (:game_id, :voter_id, :target_id, :phase, :day, :round, :created_at)
		ON CONFLICT(game_id, voter_id, phase, day, round) DO UPDATE SET
			target_id = excluded.target_id,
			created_at = excluded.created_at`, v)
	if err != nil {
		return false, fmt.Errorf("upsert vote: %w", err)
	}

	err = sqlx.GetContext(ctx, r.ext, &v.ID, `SELECT id FROM vote
		WHERE game_id = ? AND voter_id = ? AND phase = ? AND day = ? AND round = ?`,
		v.GameID, v.VoterID, v.Phase, v.Day, v.Round)
	if err != nil {
		return false, fmt.Errorf("reload vote: %w", err)
	}
	return replaced, nil
}

func (r *sqlRepo) ListVotes(ctx context.Context, gameID string, phase Phase, day, round int) ([]Vote, error) {
	votes := []Vote{}
	err := sqlx.SelectContext(ctx, r.ext, &votes, `
		SELECT id, game_id, voter_id, target_id, phase, day, round, created_at
		FROM vote WHERE game_id = ? AND phase = ? AND day = ? AND round = ?
		ORDER BY id`, gameID, phase, day, round)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	return votes, nil
}

func (r *sqlRepo) AddAction(ctx context.Context, a *GameAction) error {
	res, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO game_action (game_id, actor_id, action_type, target_id, secondary_target_id, phase, day, processed, created_at)
		VALUES (:game_id, :actor_id, :action_type, :target_id, :secondary_target_id, :phase, :day, :processed, :created_at)`, a)
	if isUniqueViolation(err) {
		return conflict(ReasonDuplicateAction, "already acted this night")
	}
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (r *sqlRepo) ListPendingActions(ctx context.Context, gameID string) ([]GameAction, error) {
	actions := []GameAction{}
	err := sqlx.SelectContext(ctx, r.ext, &actions, `
		SELECT id, game_id, actor_id, action_type, target_id, secondary_target_id, phase, day, processed, created_at
		FROM game_action WHERE game_id = ? AND processed = 0
		ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return actions, nil
}

func (r *sqlRepo) MarkActionsProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE game_action SET processed = 1 WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	if _, err := r.ext.ExecContext(ctx, r.ext.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (r *sqlRepo) AddLoverPair(ctx context.Context, lp *LoverPair) error {
	res, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO lover_pair (game_id, player_a, player_b, created_at)
		VALUES (:game_id, :player_a, :player_b, :created_at)`, lp)
	if isUniqueViolation(err) {
		return conflict(ReasonAlreadyLover, "player already linked")
	}
	if err != nil {
		return fmt.Errorf("insert lover pair: %w", err)
	}
	lp.ID, err = res.LastInsertId()
	return err
}

func (r *sqlRepo) ListLoverPairs(ctx context.Context, gameID string) ([]LoverPair, error) {
	pairs := []LoverPair{}
	err := sqlx.SelectContext(ctx, r.ext, &pairs, `
		SELECT id, game_id, player_a, player_b, created_at FROM lover_pair WHERE game_id = ?`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list lover pairs: %w", err)
	}
	return pairs, nil
}

// AppendEvents inserts events in order and fills in their sequence numbers.
func (r *sqlRepo) AppendEvents(ctx context.Context, events []GameEvent) error {
	for i := range events {
		res, err := sqlx.NamedExecContext(ctx, r.ext, `
			INSERT INTO game_event (game_id, type, payload, visibility, role, recipients, day, phase, created_at)
			VALUES (:game_id, :type, :payload, :visibility, :role, :recipients, :day, :phase, :created_at)`, &events[i])
		if err != nil {
			return fmt.Errorf("insert event %s: %w", events[i].Type, err)
		}
		if events[i].Seq, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqlRepo) ListEvents(ctx context.Context, gameID string, afterSeq int64) ([]GameEvent, error) {
	events := []GameEvent{}
	err := sqlx.SelectContext(ctx, r.ext, &events, `
		SELECT seq, game_id, type, payload, visibility, role, recipients, day, phase, created_at
		FROM game_event WHERE game_id = ? AND seq > ? ORDER BY seq`, gameID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// loadSnapshot reads everything the core needs about one game.
func loadSnapshot(ctx context.Context, r Repository, gameID string) (*Snapshot, error) {
	g, err := r.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Game: *g, RoleStates: make(map[int64]*RoleState)}
	if s.Players, err = r.ListPlayers(ctx, gameID); err != nil {
		return nil, err
	}
	states, err := r.ListRoleStates(ctx, gameID)
	if err != nil {
		return nil, err
	}
	for i := range states {
		s.RoleStates[states[i].PlayerID] = &states[i]
	}
	if s.Lovers, err = r.ListLoverPairs(ctx, gameID); err != nil {
		return nil, err
	}
	if s.Actions, err = r.ListPendingActions(ctx, gameID); err != nil {
		return nil, err
	}
	if s.Votes, err = r.ListVotes(ctx, gameID, PhaseVoting, g.DayNumber, currentRound); err != nil {
		return nil, err
	}
	return s, nil
}
