package scheduler

import (
	"context"

	"log/slog"

	"go.flowcatalyst.tech/dispatch/internal/dispatch/dispatchjob"
)

// BlockChecker decides which message groups must be held back because they
// contain a FAILED job in BLOCK_ON_ERROR mode. Store errors fail open:
// dispatching a group that should have waited beats stopping every group.
type BlockChecker struct {
	jobs dispatchjob.Repository
}

// NewBlockChecker creates a block checker over the job store.
func NewBlockChecker(jobs dispatchjob.Repository) *BlockChecker {
	return &BlockChecker{jobs: jobs}
}

// IsGroupBlocked reports whether one message group holds a failed
// BLOCK_ON_ERROR job.
func (c *BlockChecker) IsGroupBlocked(ctx context.Context, group string) bool {
	if group == "" {
		return false
	}
	return c.BlockedGroups(ctx, []string{group})[group]
}

// BlockedGroups checks the given groups in one query and reports which are
// blocked. Duplicates and empty names are ignored.
func (c *BlockChecker) BlockedGroups(ctx context.Context, groups []string) map[string]bool {
	unique := make([]string, 0, len(groups))
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		unique = append(unique, g)
	}

	if len(unique) == 0 {
		return map[string]bool{}
	}

	blocked, err := c.jobs.BlockedGroups(ctx, unique)
	if err != nil {
		slog.Error("Failed to check blocked message groups",
			"error", err, "groupCount", len(unique))
		return map[string]bool{}
	}

	if len(blocked) > 0 {
		slog.Debug("Found blocked message groups",
			"blockedCount", len(blocked), "totalGroups", len(unique))
	}

	return blocked
}

// Holds reports whether a job must wait this tick given the blocked set.
// Only BLOCK_ON_ERROR jobs wait; IMMEDIATE jobs always dispatch.
func (c *BlockChecker) Holds(job *dispatchjob.DispatchJob, blocked map[string]bool) bool {
	if job.Mode != dispatchjob.DispatchModeBlockOnError {
		return false
	}
	return blocked[job.EffectiveGroup()]
}
