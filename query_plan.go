package graphpipe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mstrYoda/graphpipe/exec"
)

// ---------------------------------------------------------------------------
// Query Plan: EXPLAIN and PROFILE output.
// ---------------------------------------------------------------------------

// planIndent is the indent width of pretty-printed plans.
const planIndent = 2

// QueryPlan is returned by Explain and Profile.
type QueryPlan struct {
	Statement string
	Plan      string // pretty-printed step chain
	Profile   bool   // steps carry actual rows and timings
	Cached    bool   // the plan came from the plan cache
	Steps     int
	Result    *Result // non-nil only for Profile
}

// String returns a human-readable multi-line representation of the plan.
func (qp *QueryPlan) String() string {
	var sb strings.Builder
	if qp.Profile {
		sb.WriteString("PROFILE:\n")
	} else {
		sb.WriteString("EXPLAIN:\n")
	}
	sb.WriteString(qp.Plan)
	if !strings.HasSuffix(qp.Plan, "\n") {
		sb.WriteString("\n")
	}
	if qp.Result != nil {
		fmt.Fprintf(&sb, "%d rows in %s\n", qp.Result.Len(), qp.Result.Duration.Round(time.Microsecond))
		for _, name := range sortedKeys(qp.Result.Stats) {
			fmt.Fprintf(&sb, "  %s: %d\n", name, qp.Result.Stats[name])
		}
	}
	return sb.String()
}

// Explain plans stmt without running it.
func (db *DB) Explain(ctx context.Context, stmt exec.Statement, opts ...QueryOption) (*QueryPlan, error) {
	return safeExecuteResult(func() (*QueryPlan, error) {
		r, err := db.begin(ctx, stmt, opts)
		if err != nil {
			return nil, err
		}
		qp := &QueryPlan{
			Statement: r.text,
			Plan:      r.plan.PrettyPrint(0, planIndent),
			Cached:    r.cached,
			Steps:     len(r.plan.Steps()),
		}
		r.discard()
		return qp, nil
	})
}

// Profile runs stmt with per-step timing and returns the annotated plan with
// the result. Profiled plans are never cached.
func (db *DB) Profile(ctx context.Context, stmt exec.Statement, opts ...QueryOption) (*QueryPlan, error) {
	return safeExecuteResult(func() (*QueryPlan, error) {
		r, err := db.begin(ctx, stmt, append(opts, withProfiling()))
		if err != nil {
			return nil, err
		}
		rows, err := r.collect()
		// Print before finish closes the plan.
		printed := r.plan.PrettyPrint(0, planIndent)
		steps := len(r.plan.Steps())
		if err = r.finish(err); err != nil {
			return nil, err
		}
		res := r.result()
		res.Rows = rows
		return &QueryPlan{
			Statement: r.text,
			Plan:      printed,
			Profile:   true,
			Steps:     steps,
			Result:    res,
		}, nil
	})
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
