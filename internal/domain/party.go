package domain

// PartyRole identifies the commercial role of a marketplace participant.
type PartyRole string

const (
	RoleIndividualCollector PartyRole = "individual_collector"
	RoleCooperative         PartyRole = "cooperative"
	RoleCompany             PartyRole = "company"
)

// Valid reports whether the role is one of the closed set.
func (r PartyRole) Valid() bool {
	switch r {
	case RoleIndividualCollector, RoleCooperative, RoleCompany:
		return true
	}
	return false
}

// Party is a snapshot of a marketplace participant. A copy is frozen into each
// transaction at creation time so registry edits never rewrite history.
type Party struct {
	ID             string
	Name           string
	Role           PartyRole
	IsLinked       bool
	LinkedEntityID string
}

// ActorRole distinguishes ordinary trade parties from platform arbitrators.
type ActorRole string

const (
	ActorParty      ActorRole = "party"
	ActorArbitrator ActorRole = "arbitrator"
)

// Actor identifies who is requesting a lifecycle transition.
type Actor struct {
	PartyID string
	Role    ActorRole
}

// IsArbitrator reports whether the actor holds the arbitrator role.
func (a Actor) IsArbitrator() bool {
	return a.Role == ActorArbitrator
}
