package dedupe

// DecisionKind classifies an adjudication decision.
type DecisionKind string

const (
	DecisionNoMatch   DecisionKind = "no_match"
	DecisionAutoMerge DecisionKind = "auto_merge"
	DecisionAmbiguous DecisionKind = "ambiguous"
)

// Decision is the outcome of adjudicating one new entity against its
// candidate set. TargetID is set for auto-merge, CandidateIDs for ambiguous
// decisions. Reasoning carries the model's explanation for auditability and
// is empty when the decision was made numerically without a model call.
type Decision struct {
	Kind         DecisionKind
	TargetID     string
	Confidence   string
	CandidateIDs []string
	Reasoning    string
}

// OutcomeStatus is the terminal state of one ProcessEntity call.
type OutcomeStatus string

const (
	OutcomeCreated OutcomeStatus = "created"
	OutcomeMerged  OutcomeStatus = "merged"
	OutcomePending OutcomeStatus = "pending_confirmation"
)

// Outcome reports what happened to a processed entity. EntityID holds the
// created entity's ID or the merge target's ID; SessionToken is set only
// for pending confirmations.
type Outcome struct {
	Status       OutcomeStatus `json:"status"`
	EntityID     string        `json:"entity_id,omitempty"`
	SessionToken string        `json:"session_token,omitempty"`
}
