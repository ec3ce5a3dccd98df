package deploy

import "errors"

var (
	// ErrRolledBack - the new deployment failed but the stack was reverted
	// to the last known-good tags and is stable again
	ErrRolledBack = errors.New("deployment rolled back")

	// ErrRollbackFailed - the reversion attempt itself failed to reach a
	// healthy verdict; both verdicts are attached for diagnostics
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrNoRollbackTarget - probing exhausted and no previous known-good
	// deployment exists to revert to
	ErrNoRollbackTarget = errors.New("no rollback target")
)
