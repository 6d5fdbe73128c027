package main

import (
	"sort"
	"time"
)

// packTarget picks the werewolves' victim: the most-voted target, with ties
// going to whichever target was chosen first.
func packTarget(kills []GameAction) (int64, bool) {
	counts := make(map[int64]int)
	first := make(map[int64]int)
	for i, a := range kills {
		counts[a.TargetID]++
		if _, ok := first[a.TargetID]; !ok {
			first[a.TargetID] = i
		}
	}
	var victim int64
	best := 0
	for target, n := range counts {
		if n > best || (n == best && first[target] < first[victim]) {
			victim, best = target, n
		}
	}
	return victim, best > 0
}

// nightActions returns the unprocessed actions of the current night in submission order.
func nightActions(s *Snapshot) []GameAction {
	var out []GameAction
	for _, a := range s.Actions {
		if a.Processed || a.Phase != PhaseNight || a.Day != s.Game.DayNumber {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// resolveNight turns the night's actions into deaths, saves, reveals and links.
//
// Kills come from the pack and from poison, saves from PROTECT, GUARD and HEAL.
// A target dies when its kills outnumber its saves. Every action is marked
// processed; an action whose actor is already dead or whose target is already
// dead has no effect. With no unprocessed actions the only output is a
// no_deaths event.
func resolveNight(s *Snapshot, now time.Time) *Resolution {
	r := newResolver(s, now)
	g := &s.Game
	actions := nightActions(s)

	kills := make(map[int64]int)
	saves := make(map[int64]int)
	cause := make(map[int64]DeathCause)
	var targets []int64
	addKill := func(target int64, c DeathCause) {
		if _, seen := kills[target]; !seen {
			targets = append(targets, target)
			cause[target] = c
		}
		kills[target]++
	}

	var pack []GameAction
	for _, a := range actions {
		r.res.Processed = append(r.res.Processed, a.ID)
		if !r.alive[a.ActorID] || !r.alive[a.TargetID] {
			continue
		}
		spec, ok := SpecFor(a.Type)
		if !ok {
			continue
		}
		if spec.Resource != ResourceNone {
			r.roleState(a.ActorID).Consume(spec.Resource)
		}

		switch spec.Effect {
		case EffectKill:
			if a.Type == ActionKill {
				pack = append(pack, a)
				continue
			}
			addKill(a.TargetID, CausePoisoned)
		case EffectSave:
			saves[a.TargetID]++
			if spec.NoRepeat {
				rs := r.roleState(a.ActorID)
				target := a.TargetID
				rs.LastProtectedID = &target
				rs.LastProtectedDay = a.Day
			}
		case EffectReveal:
			target := s.Player(a.TargetID)
			actor := s.Player(a.ActorID)
			r.emit(roleEvent(g, EventSeerResult, actor.Role, Payload{
				"target_id": target.ID,
				"nickname":  target.Nickname,
				"role":      string(target.Role),
			}, a.ActorID))
		case EffectLink:
			if a.SecondaryTargetID == nil || !r.alive[*a.SecondaryTargetID] {
				continue
			}
			second := *a.SecondaryTargetID
			if _, taken := r.partner(a.TargetID); taken {
				continue
			}
			if _, taken := r.partner(second); taken {
				continue
			}
			r.link(a.TargetID, second)
			r.emit(privateEvent(g, EventLoversLinked, Payload{"lovers": []int64{a.TargetID, second}},
				a.ActorID, a.TargetID, second))
		}
	}

	if victim, ok := packTarget(pack); ok {
		// The pack kill counts once no matter how many wolves chose it.
		if _, seen := kills[victim]; seen {
			cause[victim] = CauseKilled
		}
		addKill(victim, CauseKilled)
	}

	var dying []int64
	for _, t := range targets {
		if kills[t] > saves[t] {
			dying = append(dying, t)
		}
	}
	for _, t := range deathOrder(s, dying) {
		r.kill(t, cause[t], EventPlayerKilled, nil, nil)
	}

	if !r.res.Died() {
		r.emit(publicEvent(g, EventNoDeaths, Payload{"day": g.DayNumber}))
	}
	return r.res
}

// nightComplete reports whether every alive player with a usable night
// action has submitted one.
func nightComplete(s *Snapshot) bool {
	for _, p := range s.Alive() {
		if !hasUsableNightAction(s, p) {
			continue
		}
		if s.actedThisPhase(p.ID) == nil {
			return false
		}
	}
	return true
}

func hasUsableNightAction(s *Snapshot, p *Player) bool {
	rs := s.RoleStates[p.ID]
	for _, a := range p.Role.NightActions() {
		spec := actionSpecs[a]
		if spec.FirstNightOnly && s.Game.DayNumber != 1 {
			continue
		}
		if spec.Resource != ResourceNone && rs != nil && rs.Used(spec.Resource) {
			continue
		}
		return true
	}
	return false
}
