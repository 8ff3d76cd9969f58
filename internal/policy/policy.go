// Package policy decides where a write may land.
//
// The engine is pure: it looks only at its input and returns a decision. It
// is the single component allowed to choose the final space for a write;
// handlers pass the decision through without second-guessing it.
package policy

import "strings"

// Action is the outcome of a policy evaluation.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionRedirect Action = "redirect"
	ActionReject   Action = "reject"
)

// Reason codes emitted by the engine.
const (
	ReasonAllow             = "policy:allow"
	ReasonTeamWriteDisabled = "policy:team_write_disabled"
	ReasonUnknownSpaceType  = "unknown_space_type"
)

const teamSpacePrefix = "team:"

// Input is everything the engine looks at for one evaluation.
type Input struct {
	ActorUserID        string
	TargetSpace        string
	TeamWriteEnabled   bool
	PrivateSpacePrefix string   // defaults to "private:" when empty
	SharedSpaces       []string // exact-match spaces writable regardless of prefix
}

// Decision is the engine's verdict. FinalSpace is empty only on reject.
type Decision struct {
	Action     Action
	Reason     string
	FinalSpace string
}

// Evaluate applies the write rules in order:
//
//  1. team-prefixed space with team writes disabled redirects to the actor's
//     private space,
//  2. private- or team-prefixed spaces (and configured shared spaces) are
//     allowed as-is,
//  3. everything else is rejected.
func Evaluate(in Input) Decision {
	prefix := in.PrivateSpacePrefix
	if prefix == "" {
		prefix = "private:"
	}

	if strings.HasPrefix(in.TargetSpace, teamSpacePrefix) && !in.TeamWriteEnabled {
		actor := in.ActorUserID
		if actor == "" {
			actor = "unknown"
		}
		return Decision{
			Action:     ActionRedirect,
			Reason:     ReasonTeamWriteDisabled,
			FinalSpace: prefix + actor,
		}
	}

	if strings.HasPrefix(in.TargetSpace, teamSpacePrefix) ||
		strings.HasPrefix(in.TargetSpace, "private:") ||
		strings.HasPrefix(in.TargetSpace, prefix) {
		return Decision{Action: ActionAllow, Reason: ReasonAllow, FinalSpace: in.TargetSpace}
	}

	for _, s := range in.SharedSpaces {
		if in.TargetSpace == s {
			return Decision{Action: ActionAllow, Reason: ReasonAllow, FinalSpace: in.TargetSpace}
		}
	}

	return Decision{Action: ActionReject, Reason: ReasonUnknownSpaceType}
}
