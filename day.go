package main

import (
	"strconv"
	"time"
)

// currentRound is the only voting round; ties never trigger a revote.
const currentRound = 1

// tallyVotes counts non-skip ballots from alive voters against alive targets.
func tallyVotes(s *Snapshot) (map[int64]int, int) {
	counts := make(map[int64]int)
	cast := 0
	for _, v := range s.Votes {
		if v.Phase != PhaseVoting || v.Day != s.Game.DayNumber || v.Round != currentRound {
			continue
		}
		voter := s.Player(v.VoterID)
		if voter == nil || !voter.IsAlive {
			continue
		}
		cast++
		if v.TargetID == nil {
			continue
		}
		if t := s.Player(*v.TargetID); t != nil && t.IsAlive {
			counts[*v.TargetID]++
		}
	}
	return counts, cast
}

// topVoted returns the player with a strict unique maximum above zero.
func topVoted(counts map[int64]int) (int64, int, bool) {
	var leader int64
	best, tied := 0, false
	for target, n := range counts {
		switch {
		case n > best:
			leader, best, tied = target, n, false
		case n == best:
			tied = true
		}
	}
	if best == 0 || tied {
		return 0, best, false
	}
	return leader, best, true
}

// resolveVotes eliminates the unique most-voted player when they hold an
// absolute majority of the alive players. A tie, a plurality short of that
// majority or an all-skip round eliminates nobody.
func resolveVotes(s *Snapshot, now time.Time) *Resolution {
	r := newResolver(s, now)
	g := &s.Game
	counts, cast := tallyVotes(s)

	tally := make(map[string]int, len(counts))
	for id, n := range counts {
		tally[formatID(id)] = n
	}

	target, n, ok := topVoted(counts)
	reason := ""
	switch {
	case n == 0:
		reason = "no_votes"
	case !ok:
		reason = "tie"
	case n <= len(s.Alive())/2:
		reason = "no_majority"
	}
	if reason != "" {
		r.emit(publicEvent(g, EventNoElimination, Payload{"reason": reason, "tally": tally, "votes_cast": cast}))
		return r.res
	}

	r.res.Eliminated = &target
	r.kill(target, CauseEliminated, EventPlayerEliminated, Payload{"votes": n, "tally": tally}, nil)
	return r.res
}

// votingComplete reports whether every alive player has voted or skipped.
func votingComplete(s *Snapshot) bool {
	voted := make(map[int64]bool, len(s.Votes))
	for _, v := range s.Votes {
		if v.Phase == PhaseVoting && v.Day == s.Game.DayNumber && v.Round == currentRound {
			voted[v.VoterID] = true
		}
	}
	for _, p := range s.Alive() {
		if !voted[p.ID] {
			return false
		}
	}
	return true
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
