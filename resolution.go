package main

import (
	"sort"
	"time"
)

// DeathCause explains why a player died.
type DeathCause string

const (
	CauseKilled     DeathCause = "killed"
	CausePoisoned   DeathCause = "poisoned"
	CauseEliminated DeathCause = "eliminated"
	CauseHeartbreak DeathCause = "heartbreak"
	CauseShot       DeathCause = "shot"
)

// public is the cause announced to everyone. Only a vote is reported as
// such; every other death reads as killed so that nobody learns about
// potions, lovers or hunters from the announcement.
func (c DeathCause) public() DeathCause {
	if c == CauseEliminated {
		return c
	}
	return CauseKilled
}

type Death struct {
	PlayerID int64
	Cause    DeathCause
}

// Resolution is the set of changes a resolver proposes. The Engine applies it
// to its snapshot and persists it in one transaction.
type Resolution struct {
	Deaths     []Death
	Processed  []int64              // action ids to mark processed
	RoleStates map[int64]*RoleState // role states to persist
	NewLovers  []LoverPair
	Events     []GameEvent
	Eliminated *int64 // set by vote resolution
}

func newResolution() *Resolution {
	return &Resolution{RoleStates: make(map[int64]*RoleState)}
}

// Died reports whether anyone died.
func (r *Resolution) Died() bool {
	return len(r.Deaths) > 0
}

// resolver carries the working state of one resolution pass over a snapshot.
// It copies what it changes so the snapshot itself stays untouched.
type resolver struct {
	s      *Snapshot
	res    *Resolution
	alive  map[int64]bool
	lovers []LoverPair
	now    time.Time
}

func newResolver(s *Snapshot, now time.Time) *resolver {
	alive := make(map[int64]bool, len(s.Players))
	for _, p := range s.Players {
		alive[p.ID] = p.IsAlive
	}
	return &resolver{
		s:      s,
		res:    newResolution(),
		alive:  alive,
		lovers: append([]LoverPair(nil), s.Lovers...),
		now:    now,
	}
}

// roleState returns a mutable copy of the player's role state, registered for persistence.
func (r *resolver) roleState(id int64) *RoleState {
	if rs, ok := r.res.RoleStates[id]; ok {
		return rs
	}
	cp := RoleState{PlayerID: id, GameID: r.s.Game.ID}
	if rs, ok := r.s.RoleStates[id]; ok {
		cp = *rs
	}
	r.res.RoleStates[id] = &cp
	return &cp
}

func (r *resolver) partner(id int64) (int64, bool) {
	for _, lp := range r.lovers {
		if p, ok := lp.Partner(id); ok {
			return p, true
		}
	}
	return 0, false
}

func (r *resolver) link(a, b int64) {
	lp := newLoverPair(r.s.Game.ID, a, b, r.now)
	r.lovers = append(r.lovers, lp)
	r.res.NewLovers = append(r.res.NewLovers, lp)
	r.roleState(a).IsLover = true
	r.roleState(b).IsLover = true
}

func (r *resolver) emit(e GameEvent) {
	r.res.Events = append(r.res.Events, e)
}

// kill marks a player dead and applies death effects: the hunter follow-up and
// the lover cascade. The cascade reaches the direct partner only. extra goes
// into the public announcement, detail only to the graveyard.
func (r *resolver) kill(id int64, cause DeathCause, event EventType, extra, detail Payload) {
	if !r.die(id, cause, event, extra, detail) {
		return
	}
	if partner, ok := r.partner(id); ok {
		r.die(partner, CauseHeartbreak, EventPlayerKilled, nil, Payload{"lover_id": id})
	}
}

func (r *resolver) die(id int64, cause DeathCause, event EventType, extra, detail Payload) bool {
	if !r.alive[id] {
		return false
	}
	p := r.s.Player(id)
	if p == nil {
		return false
	}
	r.alive[id] = false
	r.res.Deaths = append(r.res.Deaths, Death{PlayerID: id, Cause: cause})

	payload := Payload{"player_id": id, "nickname": p.Nickname, "cause": string(cause.public())}
	for k, v := range extra {
		payload[k] = v
	}
	grave := Payload{"player_id": id, "nickname": p.Nickname, "cause": string(cause)}
	for k, v := range detail {
		grave[k] = v
	}
	g := &r.s.Game
	r.emit(publicEvent(g, event, payload))
	r.emit(deadEvent(g, EventJoinedGraveyard, grave))

	if p.Role.Allows(ActionShoot) {
		rs := r.roleState(id)
		if !rs.Used(ResourceShot) {
			rs.ShotPending = true
			r.emit(privateEvent(g, EventHunterShotAvail, Payload{"player_id": id}, id))
		}
	}
	return true
}

// applyTo folds the resolution into a snapshot so later steps see the new board.
func (r *Resolution) applyTo(s *Snapshot) {
	for _, d := range r.Deaths {
		if p := s.Player(d.PlayerID); p != nil {
			p.IsAlive = false
		}
	}
	for id, rs := range r.RoleStates {
		cp := *rs
		if s.RoleStates == nil {
			s.RoleStates = make(map[int64]*RoleState)
		}
		s.RoleStates[id] = &cp
	}
	s.Lovers = append(s.Lovers, r.NewLovers...)
	if len(r.Processed) > 0 {
		done := make(map[int64]bool, len(r.Processed))
		for _, id := range r.Processed {
			done[id] = true
		}
		kept := s.Actions[:0]
		for _, a := range s.Actions {
			if !done[a.ID] {
				kept = append(kept, a)
			}
		}
		s.Actions = kept
	}
}

// deathOrder sorts player ids by join order so events come out deterministically.
func deathOrder(s *Snapshot, ids []int64) []int64 {
	pos := make(map[int64]int, len(s.Players))
	for i, p := range s.Players {
		pos[p.ID] = i
	}
	sort.SliceStable(ids, func(i, j int) bool { return pos[ids[i]] < pos[ids[j]] })
	return ids
}

// resolveShot applies a hunter's follow-up shot.
func resolveShot(s *Snapshot, hunterID, targetID int64, now time.Time) *Resolution {
	r := newResolver(s, now)
	r.roleState(hunterID).Consume(ResourceShot)
	r.kill(targetID, CauseShot, EventPlayerKilled, nil, Payload{"by": hunterID})
	return r.res
}

// expireShots clears pending hunter shots that were not taken in time.
func expireShots(s *Snapshot, now time.Time) *Resolution {
	r := newResolver(s, now)
	for _, p := range s.Players {
		rs, ok := s.RoleStates[p.ID]
		if !ok || !rs.ShotPending {
			continue
		}
		r.roleState(p.ID).ShotPending = false
		r.emit(privateEvent(&s.Game, EventHunterShotExpired, Payload{"player_id": p.ID}, p.ID))
	}
	return r.res
}
