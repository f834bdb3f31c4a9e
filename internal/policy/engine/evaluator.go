package engine

import "context"

// ReuseContext describes a replayed refresh token: a token that was durably
// revoked and has been presented again.
type ReuseContext struct {
	// SecondsSinceRevoked is the age of the revocation at the time of replay.
	SecondsSinceRevoked int64
	// RotationCount is the replayed row's position in its rotation chain.
	RotationCount int
	// SameIP is true when the replay came from the same address that
	// performed the original rotation.
	SameIP bool
	// GraceSeconds is the operator-configured duplicate-call window, passed
	// through as policy input.
	GraceSeconds int
}

// ReuseVerdict is the policy decision for a replayed refresh token.
type ReuseVerdict struct {
	// TreatAsCompromise true means revoke the whole family and blacklist it.
	// False means the replay is classified as a duplicate client call and the
	// request fails with a benign concurrency error, family left alive.
	TreatAsCompromise bool
}

// Evaluator decides how to respond to refresh-token reuse.
type Evaluator interface {
	EvaluateReuse(ctx context.Context, rc ReuseContext) (ReuseVerdict, error)
}
