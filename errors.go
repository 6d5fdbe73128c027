package main

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindValidation
	KindAuthorization
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	}
	return "internal"
}

// Reason is an enumerable rejection code relayed verbatim to the acting client.
type Reason string

const (
	ReasonWrongPhase         Reason = "wrong_phase"
	ReasonNotInProgress      Reason = "game_not_in_progress"
	ReasonNotInGame          Reason = "not_in_game"
	ReasonActorDead          Reason = "actor_dead"
	ReasonNoRole             Reason = "no_role"
	ReasonActionNotAllowed   Reason = "action_not_allowed"
	ReasonResourceUsed       Reason = "resource_used"
	ReasonTargetRequired     Reason = "target_required"
	ReasonTargetNotFound     Reason = "target_not_found"
	ReasonTargetDead         Reason = "target_dead"
	ReasonSecondaryRequired  Reason = "secondary_required"
	ReasonSecondaryNotFound  Reason = "secondary_not_found"
	ReasonSecondaryDead      Reason = "secondary_dead"
	ReasonSameTarget         Reason = "same_target"
	ReasonDuplicateAction    Reason = "duplicate_action"
	ReasonSelfTarget         Reason = "self_target"
	ReasonRepeatTarget       Reason = "repeat_target"
	ReasonFirstNightOnly     Reason = "first_night_only"
	ReasonAlreadyLover       Reason = "already_lover"
	ReasonNotDead            Reason = "not_dead"
	ReasonNoShotPending      Reason = "no_shot_pending"
	ReasonGameNotFound       Reason = "game_not_found"
	ReasonNotHost            Reason = "not_host"
	ReasonNotEnoughPlayers   Reason = "not_enough_players"
	ReasonGameFull           Reason = "game_full"
	ReasonAlreadyStarted     Reason = "game_already_started"
	ReasonInvalidSettings    Reason = "invalid_settings"
	ReasonNicknameTaken      Reason = "nickname_taken"
	ReasonInvalidNickname    Reason = "invalid_nickname"
	ReasonCodeSpaceExhausted Reason = "code_space_exhausted"
	ReasonTooManyRoles       Reason = "too_many_roles"
	ReasonAlreadyJoined      Reason = "already_joined"
	ReasonStaleGame          Reason = "stale_game"
	ReasonGameInProgress     Reason = "game_in_progress"
	ReasonBadRequest         Reason = "bad_request"
	ReasonNoIdentity         Reason = "no_identity"
)

// GameError is a typed failure carrying its kind and rejection reason.
type GameError struct {
	Kind    ErrorKind
	Reason  Reason
	Message string
}

func (e *GameError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func notFound(reason Reason, format string, args ...any) error {
	return &GameError{Kind: KindNotFound, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func validationErr(reason Reason, format string, args ...any) error {
	return &GameError{Kind: KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(reason Reason, format string, args ...any) error {
	return &GameError{Kind: KindAuthorization, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func conflict(reason Reason, format string, args ...any) error {
	return &GameError{Kind: KindConflict, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a GameError in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var ge *GameError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// ReasonOf returns the rejection reason in err's chain, or "".
func ReasonOf(err error) Reason {
	var ge *GameError
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return ""
}

// Rejection is the typed result of a failed validation. It never mutates state.
type Rejection struct {
	Reason  Reason
	Message string
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// VoteOutcome is the result of castVote.
type VoteOutcome struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
	Vote     *Vote  `json:"vote,omitempty"`
	Replaced bool   `json:"replaced,omitempty"`
}

// ActionOutcome is the result of performNightAction and hunterShoot.
type ActionOutcome struct {
	Accepted bool        `json:"accepted"`
	Reason   Reason      `json:"reason,omitempty"`
	Message  string      `json:"message,omitempty"`
	Action   *GameAction `json:"action,omitempty"`
}

func rejectedVote(r *Rejection) VoteOutcome {
	return VoteOutcome{Reason: r.Reason, Message: r.Message}
}

func rejectedAction(r *Rejection) ActionOutcome {
	return ActionOutcome{Reason: r.Reason, Message: r.Message}
}
