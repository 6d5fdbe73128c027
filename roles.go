package main

// Role definitions
type Role string

const (
	RoleVillager Role = "VILLAGER"
	RoleWerewolf Role = "WEREWOLF"
	RoleSeer     Role = "SEER"
	RoleDoctor   Role = "DOCTOR"
	RoleGuard    Role = "GUARD"
	RoleWitch    Role = "WITCH"
	RoleHunter   Role = "HUNTER"
	RoleCupid    Role = "CUPID"
	RoleMason    Role = "MASON"
)

// Filler role used to pad the assignment list.
const fillerRole = RoleVillager

// Action types
type ActionType string

const (
	ActionKill        ActionType = "KILL"
	ActionInvestigate ActionType = "INVESTIGATE"
	ActionProtect     ActionType = "PROTECT"
	ActionGuard       ActionType = "GUARD"
	ActionHeal        ActionType = "HEAL"
	ActionPoison      ActionType = "POISON"
	ActionLink        ActionType = "LINK"
	ActionShoot       ActionType = "SHOOT"
)

// Resource is a one-time ability tracked in RoleState.
type Resource int

const (
	ResourceNone Resource = iota
	ResourceHealPotion
	ResourcePoisonPotion
	ResourceShot
)

// Effect is what an action does when the night resolves.
type Effect int

const (
	EffectNone Effect = iota
	EffectKill
	EffectSave
	EffectReveal
	EffectLink
)

// ActionSpec describes the rules for one action type.
type ActionSpec struct {
	Effect         Effect
	Resource       Resource
	AllowSelf      bool
	NeedsSecondary bool
	FirstNightOnly bool
	NoRepeat       bool // may not target the same player two nights running
	Night          bool // submitted during NIGHT; false for follow-ups
}

var actionSpecs = map[ActionType]ActionSpec{
	ActionKill:        {Effect: EffectKill, Night: true},
	ActionInvestigate: {Effect: EffectReveal, Night: true},
	ActionProtect:     {Effect: EffectSave, AllowSelf: true, Night: true},
	ActionGuard:       {Effect: EffectSave, NoRepeat: true, Night: true},
	ActionHeal:        {Effect: EffectSave, Resource: ResourceHealPotion, AllowSelf: true, Night: true},
	ActionPoison:      {Effect: EffectKill, Resource: ResourcePoisonPotion, Night: true},
	ActionLink:        {Effect: EffectLink, AllowSelf: true, NeedsSecondary: true, FirstNightOnly: true, Night: true},
	ActionShoot:       {Effect: EffectKill, Resource: ResourceShot},
}

// SpecFor returns the rules of an action type.
func SpecFor(a ActionType) (ActionSpec, bool) {
	spec, ok := actionSpecs[a]
	return spec, ok
}

// RoleInfo is the static catalog entry of a role.
type RoleInfo struct {
	Role        Role
	Side        Side
	Actions     []ActionType
	Aggressor   bool
	Description string
}

// catalogOrder is the order used when flattening role counts.
var catalogOrder = []Role{
	RoleWerewolf,
	RoleSeer,
	RoleDoctor,
	RoleGuard,
	RoleWitch,
	RoleHunter,
	RoleCupid,
	RoleMason,
	RoleVillager,
}

var catalog = map[Role]RoleInfo{
	RoleVillager: {Role: RoleVillager, Side: SideVillage,
		Description: "No special powers, relies on deduction and discussion."},
	RoleWerewolf: {Role: RoleWerewolf, Side: SideWerewolf, Aggressor: true, Actions: []ActionType{ActionKill},
		Description: "Knows other werewolves, votes to kill villagers at night."},
	RoleSeer: {Role: RoleSeer, Side: SideVillage, Actions: []ActionType{ActionInvestigate},
		Description: "Investigates one player per night to learn their role."},
	RoleDoctor: {Role: RoleDoctor, Side: SideVillage, Actions: []ActionType{ActionProtect},
		Description: "Protects one player from death each night."},
	RoleGuard: {Role: RoleGuard, Side: SideVillage, Actions: []ActionType{ActionGuard},
		Description: "Protects one player per night, but not the same player twice in a row."},
	RoleWitch: {Role: RoleWitch, Side: SideVillage, Actions: []ActionType{ActionHeal, ActionPoison},
		Description: "Has one heal potion and one poison potion to use during the game."},
	RoleHunter: {Role: RoleHunter, Side: SideVillage, Actions: []ActionType{ActionShoot},
		Description: "When eliminated, can immediately kill one player."},
	RoleCupid: {Role: RoleCupid, Side: SideVillage, Actions: []ActionType{ActionLink},
		Description: "On night 1, chooses two players to become lovers."},
	RoleMason: {Role: RoleMason, Side: SideVillage,
		Description: "Knows other masons, providing confirmed villagers."},
}

// LookupRole returns the catalog entry for r.
func LookupRole(r Role) (RoleInfo, bool) {
	info, ok := catalog[r]
	return info, ok
}

// Side returns the faction of the role, or "" for an unknown role.
func (r Role) Side() Side {
	return catalog[r].Side
}

// IsAggressor reports whether the role belongs to the werewolf-equivalent side.
func (r Role) IsAggressor() bool {
	return catalog[r].Aggressor
}

// Allows reports whether the role may perform the action type.
func (r Role) Allows(a ActionType) bool {
	for _, allowed := range catalog[r].Actions {
		if allowed == a {
			return true
		}
	}
	return false
}

// NightActions returns the role's actions submitted during NIGHT.
func (r Role) NightActions() []ActionType {
	var out []ActionType
	for _, a := range catalog[r].Actions {
		if actionSpecs[a].Night {
			out = append(out, a)
		}
	}
	return out
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := catalog[r]
	return ok
}
