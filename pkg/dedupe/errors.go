package dedupe

import "errors"

var (
	// ErrDependencyUnavailable marks an embedding or index outage. The
	// coordinator degrades to create-as-new instead of failing the note.
	ErrDependencyUnavailable = errors.New("dedupe dependency unavailable")

	// ErrProvider marks an LLM adjudication failure after retries. The
	// adjudicator degrades to a no-match decision.
	ErrProvider = errors.New("adjudication provider error")

	// ErrSessionNotFound is returned for unknown session tokens.
	ErrSessionNotFound = errors.New("dedupe session not found")

	// ErrSessionExpired is returned for tokens whose pending decision
	// outlived the registry TTL.
	ErrSessionExpired = errors.New("dedupe session expired")

	// ErrInvalidMergeTarget means the merge target vanished between
	// adjudication and merge.
	ErrInvalidMergeTarget = errors.New("invalid merge target")

	// ErrValidation marks malformed entity input. Fatal to this entity
	// only, sibling entities of the same note proceed.
	ErrValidation = errors.New("invalid entity")

	// ErrDuplicatePending signals that an equivalent entity already has a
	// pending decision. Register reports it together with the existing
	// token so callers can reuse that session instead of opening a second
	// one.
	ErrDuplicatePending = errors.New("equivalent entity already pending")
)
