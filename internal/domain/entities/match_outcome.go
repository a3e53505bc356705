package entities

import "github.com/google/uuid"

// MatchOutcome is the decision the intent matcher reaches over a locked
// candidate set. The store applies it atomically in the same transaction
// that locked the candidates.
type MatchOutcome struct {
	// ApproveID wins the transfer and gets the tx hash attached
	ApproveID *uuid.UUID
	// RejectID is closed as unmatchable, with RejectNote explaining why
	RejectID   *uuid.UUID
	RejectNote string
	// ReleaseIDs lose a transiently held tx hash so they can match a
	// future transfer; ReleaseNote explains the contention
	ReleaseIDs  []uuid.UUID
	ReleaseNote string
}

// Empty reports whether the outcome changes nothing
func (o MatchOutcome) Empty() bool {
	return o.ApproveID == nil && o.RejectID == nil && len(o.ReleaseIDs) == 0
}
