package main

// Validation never mutates the snapshot. The first failing check wins.

func checkInProgress(s *Snapshot, phase Phase) *Rejection {
	if s.Game.Status != StatusInProgress {
		return reject(ReasonNotInProgress, "game is %s", s.Game.Status)
	}
	if phase != "" && s.Game.Phase != phase {
		return reject(ReasonWrongPhase, "expected %s, game is in %s", phase, s.Game.Phase)
	}
	return nil
}

func checkTarget(s *Snapshot, targetID int64, missing, notFound, dead Reason) *Rejection {
	if targetID == 0 {
		return reject(missing, "a target is required")
	}
	t := s.Player(targetID)
	if t == nil {
		return reject(notFound, "player %d is not in this game", targetID)
	}
	if !t.IsAlive {
		return reject(dead, "player %d is dead", targetID)
	}
	return nil
}

// validateVote checks a ballot. A nil target is an explicit skip.
// Resubmission is accepted; the store replaces the earlier vote.
func validateVote(s *Snapshot, voterID int64, targetID *int64) *Rejection {
	if r := checkInProgress(s, PhaseVoting); r != nil {
		return r
	}
	voter := s.Player(voterID)
	if voter == nil {
		return reject(ReasonNotInGame, "voter is not in this game")
	}
	if !voter.IsAlive {
		return reject(ReasonActorDead, "dead players cannot vote")
	}
	if targetID == nil {
		return nil
	}
	return checkTarget(s, *targetID, ReasonTargetRequired, ReasonTargetNotFound, ReasonTargetDead)
}

// validateNightAction checks a night action against phase, role, resources and targets.
func validateNightAction(s *Snapshot, actorID int64, action ActionType, targetID int64, secondaryID *int64) *Rejection {
	if r := checkInProgress(s, PhaseNight); r != nil {
		return r
	}
	actor := s.Player(actorID)
	if actor == nil {
		return reject(ReasonNotInGame, "actor is not in this game")
	}
	if !actor.IsAlive {
		return reject(ReasonActorDead, "dead players cannot act")
	}

	if actor.Role == "" {
		return reject(ReasonNoRole, "no role assigned")
	}
	spec, ok := SpecFor(action)
	if !ok || !spec.Night || !actor.Role.Allows(action) {
		return reject(ReasonActionNotAllowed, "%s cannot be used by this role", action)
	}
	if spec.FirstNightOnly && s.Game.DayNumber != 1 {
		return reject(ReasonFirstNightOnly, "%s is only available on the first night", action)
	}

	rs := s.RoleState(actorID)
	if spec.Resource != ResourceNone && rs.Used(spec.Resource) {
		return reject(ReasonResourceUsed, "%s has already been used", action)
	}

	if r := checkTarget(s, targetID, ReasonTargetRequired, ReasonTargetNotFound, ReasonTargetDead); r != nil {
		return r
	}
	if !spec.AllowSelf && targetID == actorID {
		return reject(ReasonSelfTarget, "%s cannot target yourself", action)
	}
	if spec.NoRepeat && rs.LastProtectedID != nil && *rs.LastProtectedID == targetID &&
		rs.LastProtectedDay == s.Game.DayNumber-1 {
		return reject(ReasonRepeatTarget, "cannot target the same player two nights in a row")
	}

	if spec.NeedsSecondary {
		if secondaryID == nil {
			return reject(ReasonSecondaryRequired, "%s needs a second target", action)
		}
		if r := checkTarget(s, *secondaryID, ReasonSecondaryRequired, ReasonSecondaryNotFound, ReasonSecondaryDead); r != nil {
			return r
		}
		if *secondaryID == targetID {
			return reject(ReasonSameTarget, "both targets must be different players")
		}
		if spec.Effect == EffectLink {
			if _, ok := s.Partner(targetID); ok {
				return reject(ReasonAlreadyLover, "player %d is already linked", targetID)
			}
			if _, ok := s.Partner(*secondaryID); ok {
				return reject(ReasonAlreadyLover, "player %d is already linked", *secondaryID)
			}
		}
	}

	if s.actedThisPhase(actorID) != nil {
		return reject(ReasonDuplicateAction, "already acted this night")
	}
	return nil
}

// validateShot checks a hunter's follow-up shot. The hunter must be dead with a shot pending.
func validateShot(s *Snapshot, actorID, targetID int64) *Rejection {
	if r := checkInProgress(s, ""); r != nil {
		return r
	}
	actor := s.Player(actorID)
	if actor == nil {
		return reject(ReasonNotInGame, "actor is not in this game")
	}
	if actor.Role == "" {
		return reject(ReasonNoRole, "no role assigned")
	}
	if !actor.Role.Allows(ActionShoot) {
		return reject(ReasonActionNotAllowed, "%s cannot be used by this role", ActionShoot)
	}
	if actor.IsAlive {
		return reject(ReasonNotDead, "the shot is only available after death")
	}
	rs := s.RoleState(actorID)
	if rs.Used(ResourceShot) {
		return reject(ReasonResourceUsed, "%s has already been used", ActionShoot)
	}
	if !rs.ShotPending {
		return reject(ReasonNoShotPending, "no shot is pending")
	}
	return checkTarget(s, targetID, ReasonTargetRequired, ReasonTargetNotFound, ReasonTargetDead)
}
