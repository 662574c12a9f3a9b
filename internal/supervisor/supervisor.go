// Package supervisor drives the pipeline to quiescence: alternating
// planner and executor cycles until no actionable records remain or an
// iteration bound trips.
package supervisor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"vaultline/internal/executor"
	"vaultline/internal/planner"
	"vaultline/internal/record"
	"vaultline/internal/vault"
)

const DefaultMaxIterations = 25

type Supervisor struct {
	Store    *vault.Store
	Planner  *planner.Planner
	Executor *executor.Executor
	Log      *logrus.Logger
}

// Result summarizes one drain.
type Result struct {
	Iterations int              `json:"iterations"`
	Drained    bool             `json:"drained"`
	Planner    planner.Summary  `json:"planner"`
	Executor   executor.Summary `json:"executor"`
}

// Drain runs planner+executor cycles while work remains. Pending
// approvals do not count as actionable: they are waiting on a human,
// and the drain must not spin on them.
func (s *Supervisor) Drain(ctx context.Context, maxIterations int) (Result, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	var res Result
	for res.Iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		depth, err := s.actionable()
		if err != nil {
			return res, err
		}
		if depth == 0 {
			res.Drained = true
			return res, nil
		}
		res.Iterations++
		ps, err := s.Planner.RunOnce()
		if err != nil {
			return res, fmt.Errorf("drain iteration %d: plan: %w", res.Iterations, err)
		}
		es, err := s.Executor.RunOnce(ctx)
		if err != nil {
			return res, fmt.Errorf("drain iteration %d: dispatch: %w", res.Iterations, err)
		}
		accumulate(&res, ps, es)
		// A pass that changed nothing will not change anything next
		// time either (budget exhaustion aside).
		if ps.Planned+ps.Quarantined+es.Sent+es.Failed+es.Expired+es.Rejected == 0 {
			break
		}
	}
	depth, err := s.actionable()
	if err != nil {
		return res, err
	}
	res.Drained = depth == 0
	return res, nil
}

// actionable counts records a planner or executor pass could advance.
func (s *Supervisor) actionable() (int, error) {
	newItems, err := s.Store.List(vault.NeedsAction, vault.Filter{Prefix: "ITEM_", Status: record.ItemStatusNew})
	if err != nil {
		return 0, err
	}
	approved, err := s.Store.List(vault.Approved, vault.Filter{Prefix: "APPROVAL_", Status: record.ApprovalStatusApproved})
	if err != nil {
		return 0, err
	}
	return len(newItems) + len(approved), nil
}

func accumulate(res *Result, ps planner.Summary, es executor.Summary) {
	res.Planner.Planned += ps.Planned
	res.Planner.AutoClosed += ps.AutoClosed
	res.Planner.Raised += ps.Raised
	res.Planner.Quarantined += ps.Quarantined
	res.Executor.Sent += es.Sent
	res.Executor.Failed += es.Failed
	res.Executor.Expired += es.Expired
	res.Executor.Rejected += es.Rejected
	res.Executor.Deferred += es.Deferred
}
