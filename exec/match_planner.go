package exec

import (
	"fmt"
	"math"

	"github.com/mstrYoda/graphpipe/expr"
)

// ---------------------------------------------------------------------------
// MATCH planning
// ---------------------------------------------------------------------------

// unknownCardinality marks an alias with no type, bucket or rid to count.
const unknownCardinality = int64(math.MaxInt64)

func (s *MatchStatement) createPlan(ctx *CommandContext, opts PlannerOptions) (Plan, error) {
	if len(s.Chains) == 0 {
		return nil, commandErr("match", ErrUnsupportedCondition, "empty pattern")
	}
	anon := 0
	pat := NewPattern()
	if err := addChains(pat, s.Chains, &anon); err != nil {
		return nil, err
	}
	est := estimateAliases(ctx, pat)

	p := NewSelectPlan()
	p.BatchSize = opts.batch()

	// Small aliases are fetched once and reused by every step starting there.
	prefetched := make([]bool, len(pat.Nodes))
	for i, n := range pat.Nodes {
		if n.Optional || est[i] == unknownCardinality || est[i] >= opts.PrefetchThreshold {
			continue
		}
		sub, err := candidatePlan(ctx, n, opts)
		if err != nil {
			return nil, err
		}
		p.Chain(NewMatchPrefetchStep(n.Alias, sub))
		prefetched[i] = true
	}

	optional := false
	for ci, group := range pat.Components() {
		root, err := chooseRoot(pat, group, est)
		if err != nil {
			return nil, err
		}
		var sub Plan
		if !prefetched[root] {
			if sub, err = candidatePlan(ctx, pat.Nodes[root], opts); err != nil {
				return nil, err
			}
		}
		first := NewMatchFirstStep(pat.Nodes[root].Alias, sub)
		first.Join = ci > 0
		p.Chain(first)
		for _, t := range traversalOrder(pat, root, est) {
			if t.Optional {
				optional = true
				p.Chain(NewOptionalMatchStep(t))
			} else {
				p.Chain(NewMatchStep(t))
			}
		}
	}

	for _, chain := range s.Not {
		step, err := notPattern(pat, chain, &anon)
		if err != nil {
			return nil, err
		}
		p.Chain(step)
	}
	if optional {
		p.Chain(NewRemoveEmptyOptionalsStep())
	}

	switch s.Mode {
	case ReturnPatterns:
		p.Chain(NewReturnMatchPatternsStep())
	case ReturnPaths:
		p.Chain(NewReturnMatchPathsStep())
	case ReturnElements:
		p.Chain(NewReturnMatchElementsStep(false))
	case ReturnPathElements:
		p.Chain(NewReturnMatchElementsStep(true))
	default:
		if len(s.Return) == 0 {
			p.Chain(NewReturnMatchPatternsStep())
		}
	}
	items := s.Return
	if s.Mode != ReturnProjection {
		items = nil
	}
	planTail(p, tail{
		items: items, groupBy: s.GroupBy, orderBy: s.OrderBy, unwind: s.Unwind,
		distinct: s.Distinct, skip: s.Skip, limit: s.Limit,
	}, false)
	planTimeout(p, nil, opts)
	return p, nil
}

// addChains registers every node and hop of chains in pat. Nodes without an
// alias get a generated one.
func addChains(pat *Pattern, chains []MatchChain, anon *int) error {
	name := func(n *MatchNode) {
		if n.Alias == "" {
			n.Alias = fmt.Sprintf("%s%d", AnonymousAliasPrefix, *anon)
			*anon++
		}
	}
	for _, c := range chains {
		start := c.Start
		name(&start)
		addNode(pat, start)
		prev := start.Alias
		for _, h := range c.Hops {
			node := h.Node
			name(&node)
			addNode(pat, node)
			pat.AddEdge(prev, node.Alias, h.Item)
			prev = node.Alias
		}
	}
	return nil
}

func addNode(pat *Pattern, n MatchNode) {
	pat.AddFilter(n.Alias, n.filter())
	if n.Optional {
		pat.Nodes[pat.Node(n.Alias)].Optional = true
	}
}

// estimateAliases returns the estimated candidate count of each alias.
func estimateAliases(ctx *CommandContext, pat *Pattern) []int64 {
	out := make([]int64, len(pat.Nodes))
	for i, n := range pat.Nodes {
		out[i] = estimateNode(ctx, n.Filter)
	}
	return out
}

func estimateNode(ctx *CommandContext, f *NodeFilter) int64 {
	switch {
	case f == nil:
		return unknownCardinality
	case f.RID != nil:
		return 1
	case f.Bucket != "":
		id, err := ctx.Engine().BucketID(f.Bucket)
		if err != nil {
			return unknownCardinality
		}
		return halve(ctx.Tx().CountBucket(id), f.Where)
	case f.Type != "":
		n, err := ctx.Tx().CountType(f.Type, true)
		if err != nil {
			return unknownCardinality
		}
		return halve(n, f.Where)
	}
	return unknownCardinality
}

// halve assumes a WHERE keeps half of the candidates.
func halve(n int64, where expr.Expression) int64 {
	if where != nil {
		return n / 2
	}
	return n
}

// chooseRoot picks the non-optional alias of group with the fewest
// candidates.
func chooseRoot(pat *Pattern, group []int, est []int64) (int, error) {
	root := -1
	for _, i := range group {
		if pat.Nodes[i].Optional || est[i] == unknownCardinality {
			continue
		}
		if root < 0 || est[i] < est[root] || (est[i] == est[root] && i < root) {
			root = i
		}
	}
	if root < 0 {
		aliases := make([]string, len(group))
		for k, i := range group {
			aliases[k] = pat.Nodes[i].Alias
		}
		return 0, commandErr("match", ErrUnsupportedCondition, "no starting point among %v: give one alias a type, bucket or rid", aliases)
	}
	return root, nil
}

// traversalOrder walks the edges reachable from root. Each step takes an
// unused edge with a bound endpoint, preferring required targets and then
// the smaller target; an edge is walked in reverse when only its head is
// bound. Edges between two bound aliases are walked too and act as joins.
func traversalOrder(pat *Pattern, root int, est []int64) []EdgeTraversal {
	bound := map[int]bool{root: true}
	used := make([]bool, len(pat.Edges))
	var out []EdgeTraversal
	for {
		best, bestRev := -1, false
		var bestKey [2]int64
		for e, edge := range pat.Edges {
			if used[e] || (!bound[edge.From] && !bound[edge.To]) {
				continue
			}
			reverse := !bound[edge.From]
			target := edge.To
			if reverse {
				target = edge.From
			}
			key := [2]int64{0, est[target]}
			if pat.Nodes[target].Optional {
				key[0] = 1
			}
			if bound[edge.From] && bound[edge.To] {
				key = [2]int64{-1, 0}
			}
			if best < 0 || key[0] < bestKey[0] || (key[0] == bestKey[0] && key[1] < bestKey[1]) {
				best, bestRev, bestKey = e, reverse, key
			}
		}
		if best < 0 {
			return out
		}
		used[best] = true
		edge := pat.Edges[best]
		bound[edge.From], bound[edge.To] = true, true
		out = append(out, NewEdgeTraversal(pat, best, bestRev))
	}
}

// candidatePlan fetches the elements an alias may bind on its own.
func candidatePlan(ctx *CommandContext, n PatternNode, opts PlannerOptions) (Plan, error) {
	f := n.Filter
	p := NewSelectPlan()
	var t Target
	switch {
	case f.RID != nil:
		t.RIDs = append(t.RIDs, *f.RID)
	case f.Bucket != "":
		t.Buckets = []string{f.Bucket}
	default:
		t.Type = f.Type
	}
	if _, err := planFetch(ctx, p, t, f.Where, true, opts); err != nil {
		return nil, err
	}
	if f.Type != "" && t.Type == "" {
		p.Chain(NewFilterByTypeStep(f.Type))
	}
	if f.Bucket != "" && f.RID != nil {
		id, err := ctx.Engine().BucketID(f.Bucket)
		if err != nil {
			return nil, commandErr("match", err, "bucket %s", f.Bucket)
		}
		p.Chain(NewFilterByBucketsStep([]int32{id}))
	}
	if f.Where != nil {
		p.Chain(NewFilterStep(f.Where))
	}
	return p, nil
}

// notPattern builds the filter for NOT chain. The chain must start from an
// alias of the positive pattern.
func notPattern(pat *Pattern, c MatchChain, anon *int) (Step, error) {
	if c.Start.Alias == "" {
		return nil, commandErr("match", ErrUnsupportedCondition, "NOT pattern must start from a named alias")
	}
	if _, ok := pat.Lookup(c.Start.Alias); !ok {
		return nil, commandErr("match", ErrUnsupportedCondition, "NOT pattern starts from unknown alias %s", c.Start.Alias)
	}
	neg := NewPattern()
	if err := addChains(neg, []MatchChain{c}, anon); err != nil {
		return nil, err
	}
	edges := make([]EdgeTraversal, len(neg.Edges))
	for e := range neg.Edges {
		edges[e] = NewEdgeTraversal(neg, e, false)
	}
	start := c.Start.filter()
	return NewFilterNotMatchPatternStep(c.Start.Alias, start, edges), nil
}
