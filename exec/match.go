package exec

import (
	"fmt"
	"strings"

	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

// VarMatched is bound to the partial match while a traversal filter runs,
// so WHERE conditions can read $matched.<alias>.
const VarMatched = "matched"

// AnonymousAliasPrefix starts the aliases the planner invents for pattern
// nodes the statement left unnamed.
const AnonymousAliasPrefix = "_anon"

// IsAnonymousAlias reports whether alias was generated for an unnamed node.
func IsAnonymousAlias(alias string) bool { return strings.HasPrefix(alias, AnonymousAliasPrefix) }

// ---------------------------------------------------------------------------
// Path items
// ---------------------------------------------------------------------------

// NavMethod is how a path item moves from one element to the next.
type NavMethod uint8

const (
	// NavVertex goes from a vertex to adjacent vertices: out(), in(), both().
	NavVertex NavMethod = iota
	// NavEdge goes from a vertex to its edges: outE(), inE(), bothE().
	NavEdge
	// NavEdgeVertex goes from an edge to its endpoints: outV(), inV(), bothV().
	NavEdgeVertex
)

// PathItem is one navigation of a pattern edge. It is recursive when While
// or a positive MaxDepth is set. A multi-step item carries its sub-items in
// Items and applies them in sequence; Filter then restricts the element an
// inner item lands on.
type PathItem struct {
	Method    NavMethod
	Direction storage.Direction
	Types     []string

	While      expr.Expression
	MaxDepth   int
	DepthAlias string
	PathAlias  string

	Filter *NodeFilter
	Items  []PathItem
}

func Out(types ...string) PathItem  { return PathItem{Method: NavVertex, Direction: storage.Out, Types: types} }
func In(types ...string) PathItem   { return PathItem{Method: NavVertex, Direction: storage.In, Types: types} }
func Both(types ...string) PathItem { return PathItem{Method: NavVertex, Direction: storage.Both, Types: types} }
func OutE(types ...string) PathItem { return PathItem{Method: NavEdge, Direction: storage.Out, Types: types} }
func InE(types ...string) PathItem  { return PathItem{Method: NavEdge, Direction: storage.In, Types: types} }
func OutV() PathItem                { return PathItem{Method: NavEdgeVertex, Direction: storage.Out} }
func InV() PathItem                 { return PathItem{Method: NavEdgeVertex, Direction: storage.In} }

// MultiPath chains several items into one pattern edge.
func MultiPath(items ...PathItem) PathItem { return PathItem{Items: items} }

// IsRecursive reports whether the item walks more than one level.
func (p PathItem) IsRecursive() bool { return p.While != nil || p.MaxDepth > 0 }

// IsMulti reports whether the item is a chain of sub-items.
func (p PathItem) IsMulti() bool { return len(p.Items) > 0 }

// Reverse returns the item that walks the same edges from the other end.
// The filters of inner elements stay attached to the same elements.
func (p PathItem) Reverse() PathItem {
	r := p
	if p.IsMulti() {
		n := len(p.Items)
		r.Items = make([]PathItem, n)
		for i := range p.Items {
			it := p.Items[n-1-i].Reverse()
			it.Filter = nil
			if n-2-i >= 0 {
				it.Filter = p.Items[n-2-i].Filter
			}
			r.Items[i] = it
		}
		return r
	}
	switch p.Method {
	case NavVertex:
		r.Direction = p.Direction.Reverse()
	case NavEdge:
		r.Method = NavEdgeVertex
	case NavEdgeVertex:
		r.Method = NavEdge
	}
	return r
}

func (p PathItem) String() string {
	if p.IsMulti() {
		var sb strings.Builder
		sb.WriteString(".(")
		for _, it := range p.Items {
			sb.WriteString(it.String())
		}
		sb.WriteString(")")
		return sb.String()
	}
	name := p.Direction.String()
	switch p.Method {
	case NavEdge:
		name += "E"
	case NavEdgeVertex:
		name += "V"
	}
	quoted := make([]string, len(p.Types))
	for i, t := range p.Types {
		quoted[i] = "'" + t + "'"
	}
	s := "." + name + "(" + strings.Join(quoted, ", ") + ")"
	var opts []string
	if p.Filter != nil {
		opts = append(opts, p.Filter.String())
	}
	if p.While != nil {
		opts = append(opts, "while: ("+p.While.String()+")")
	}
	if p.MaxDepth > 0 {
		opts = append(opts, fmt.Sprintf("maxDepth: %d", p.MaxDepth))
	}
	if len(opts) > 0 {
		s += "{" + strings.Join(opts, ", ") + "}"
	}
	return s
}

func (p PathItem) marshal() map[string]any {
	m := map[string]any{
		"method": int64(p.Method),
		"dir":    int64(p.Direction),
		"types":  putStrings(p.Types),
		"while":  expr.Marshal(p.While),
		"max":    int64(p.MaxDepth),
		"dAlias": p.DepthAlias,
		"pAlias": p.PathAlias,
	}
	if p.Filter != nil {
		m["filter"] = p.Filter.marshal()
	}
	if p.IsMulti() {
		items := make([]any, len(p.Items))
		for i, it := range p.Items {
			items[i] = it.marshal()
		}
		m["items"] = items
	}
	return m
}

func unmarshalPathItem(m map[string]any) (PathItem, error) {
	p := PathItem{
		Method:     NavMethod(getInt(m, "method")),
		Direction:  storage.Direction(getInt(m, "dir")),
		Types:      getStrings(m, "types"),
		MaxDepth:   int(getInt(m, "max")),
		DepthAlias: getString(m, "dAlias"),
		PathAlias:  getString(m, "pAlias"),
	}
	var err error
	if p.While, err = getExpr(m, "while"); err != nil {
		return p, err
	}
	if f, ok := m["filter"].(map[string]any); ok && f != nil {
		if p.Filter, err = unmarshalNodeFilter(f); err != nil {
			return p, err
		}
	}
	for _, sub := range getMaps(m, "items") {
		it, err := unmarshalPathItem(sub)
		if err != nil {
			return p, err
		}
		p.Items = append(p.Items, it)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Node filters
// ---------------------------------------------------------------------------

// NodeFilter restricts the elements a pattern node may bind to.
type NodeFilter struct {
	Type   string
	Bucket string
	RID    *storage.RID
	Where  expr.Expression
}

// NewNodeFilter returns a filter that accepts everything.
func NewNodeFilter() *NodeFilter { return &NodeFilter{} }

// IsEmpty reports whether the filter accepts everything.
func (f *NodeFilter) IsEmpty() bool {
	return f == nil || (f.Type == "" && f.Bucket == "" && f.RID == nil && f.Where == nil)
}

// matches tests rec. row carries the traversal metadata visible to Where.
func (f *NodeFilter) matches(ctx *CommandContext, rec storage.Record, row *Result) (bool, error) {
	if f == nil {
		return true, nil
	}
	if f.Type != "" && !ctx.Engine().IsSubTypeOf(rec.TypeName(), f.Type) {
		return false, nil
	}
	if f.Bucket != "" {
		id, err := ctx.Engine().BucketID(f.Bucket)
		if err != nil {
			return false, commandErr("match", err, "bucket %s", f.Bucket)
		}
		if rec.Identity().Bucket != id {
			return false, nil
		}
	}
	if f.RID != nil && rec.Identity() != *f.RID {
		return false, nil
	}
	if f.Where == nil {
		return true, nil
	}
	if row == nil {
		row = NewElementResult(rec)
	}
	ctx.SetVariable(VarCurrent, row)
	return expr.Truthy(f.Where, row, ctx)
}

func (f *NodeFilter) String() string {
	if f == nil {
		return ""
	}
	var parts []string
	if f.Type != "" {
		parts = append(parts, "type: "+f.Type)
	}
	if f.Bucket != "" {
		parts = append(parts, "bucket: "+f.Bucket)
	}
	if f.RID != nil {
		parts = append(parts, "rid: "+f.RID.String())
	}
	if f.Where != nil {
		parts = append(parts, "where: ("+f.Where.String()+")")
	}
	return strings.Join(parts, ", ")
}

func (f *NodeFilter) marshal() map[string]any {
	if f == nil {
		return nil
	}
	m := map[string]any{"type": f.Type, "bucket": f.Bucket, "where": expr.Marshal(f.Where)}
	if f.RID != nil {
		m["rid"] = f.RID.String()
	}
	return m
}

func unmarshalNodeFilter(m map[string]any) (*NodeFilter, error) {
	if m == nil {
		return nil, nil
	}
	f := &NodeFilter{Type: getString(m, "type"), Bucket: getString(m, "bucket")}
	if s := getString(m, "rid"); s != "" {
		rid, err := storage.ParseRID(s)
		if err != nil {
			return nil, err
		}
		f.RID = &rid
	}
	var err error
	f.Where, err = getExpr(m, "where")
	return f, err
}

func filterFrom(m map[string]any, k string) (*NodeFilter, error) {
	sub, _ := m[k].(map[string]any)
	return unmarshalNodeFilter(sub)
}

// ---------------------------------------------------------------------------
// Pattern graph
// ---------------------------------------------------------------------------

// Pattern is the alias graph of a MATCH statement. Nodes and edges live in
// slices and refer to each other by index.
type Pattern struct {
	Nodes []PatternNode
	Edges []PatternEdge
	byKey map[string]int
}

// PatternNode is one alias.
type PatternNode struct {
	Alias    string
	Filter   *NodeFilter
	Optional bool
	Out      []int
	In       []int
}

// PatternEdge connects Nodes[From] to Nodes[To] through Item.
type PatternEdge struct {
	From int
	To   int
	Item PathItem
}

func NewPattern() *Pattern { return &Pattern{byKey: make(map[string]int)} }

// Node returns the index of alias, adding the node if needed.
func (p *Pattern) Node(alias string) int {
	if i, ok := p.byKey[alias]; ok {
		return i
	}
	p.Nodes = append(p.Nodes, PatternNode{Alias: alias})
	p.byKey[alias] = len(p.Nodes) - 1
	return len(p.Nodes) - 1
}

// Lookup returns the index of alias.
func (p *Pattern) Lookup(alias string) (int, bool) {
	i, ok := p.byKey[alias]
	return i, ok
}

// AddEdge links two aliases and returns the edge index.
func (p *Pattern) AddEdge(from, to string, item PathItem) int {
	fi, ti := p.Node(from), p.Node(to)
	p.Edges = append(p.Edges, PatternEdge{From: fi, To: ti, Item: item})
	e := len(p.Edges) - 1
	p.Nodes[fi].Out = append(p.Nodes[fi].Out, e)
	p.Nodes[ti].In = append(p.Nodes[ti].In, e)
	return e
}

// AddFilter merges f into the filter of alias. Where conditions are ANDed.
func (p *Pattern) AddFilter(alias string, f *NodeFilter) {
	if f.IsEmpty() {
		p.Node(alias)
		return
	}
	n := &p.Nodes[p.Node(alias)]
	if n.Filter == nil {
		cp := *f
		n.Filter = &cp
		return
	}
	if f.Type != "" {
		n.Filter.Type = f.Type
	}
	if f.Bucket != "" {
		n.Filter.Bucket = f.Bucket
	}
	if f.RID != nil {
		n.Filter.RID = f.RID
	}
	if f.Where != nil {
		if n.Filter.Where == nil {
			n.Filter.Where = f.Where
		} else {
			n.Filter.Where = expr.AllOf(n.Filter.Where, f.Where)
		}
	}
}

// Components splits the node indexes into connected groups.
func (p *Pattern) Components() [][]int {
	seen := make([]bool, len(p.Nodes))
	var out [][]int
	for start := range p.Nodes {
		if seen[start] {
			continue
		}
		var group []int
		stack := []int{start}
		seen[start] = true
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			group = append(group, n)
			for _, e := range append(append([]int(nil), p.Nodes[n].Out...), p.Nodes[n].In...) {
				other := p.Edges[e].To
				if other == n {
					other = p.Edges[e].From
				}
				if !seen[other] {
					seen[other] = true
					stack = append(stack, other)
				}
			}
		}
		out = append(out, group)
	}
	return out
}

// EdgeTraversal is one pattern edge walked in a chosen direction. The
// filters are copied from the pattern so the step can be serialized alone.
type EdgeTraversal struct {
	From    string
	To      string
	Item    PathItem
	Reverse bool
	// TargetFilter applies to the element reached, Optional to its alias.
	TargetFilter *NodeFilter
	Optional     bool
}

// NewEdgeTraversal derives the traversal of edge e of p.
func NewEdgeTraversal(p *Pattern, e int, reverse bool) EdgeTraversal {
	edge := p.Edges[e]
	from, to := p.Nodes[edge.From], p.Nodes[edge.To]
	if reverse {
		return EdgeTraversal{From: to.Alias, To: from.Alias, Item: edge.Item.Reverse(), Reverse: true,
			TargetFilter: from.Filter, Optional: from.Optional}
	}
	return EdgeTraversal{From: from.Alias, To: to.Alias, Item: edge.Item,
		TargetFilter: to.Filter, Optional: to.Optional}
}

func (t EdgeTraversal) String() string {
	s := "{" + t.From + "}" + t.Item.String() + "{" + t.To
	if f := t.TargetFilter.String(); f != "" {
		s += ", " + f
	}
	if t.Optional {
		s += ", optional: true"
	}
	s += "}"
	if t.Reverse {
		s += " (reversed)"
	}
	return s
}

func (t EdgeTraversal) marshal() map[string]any {
	return map[string]any{
		"from": t.From, "to": t.To, "item": t.Item.marshal(), "rev": t.Reverse,
		"filter": t.TargetFilter.marshal(), "optional": t.Optional,
	}
}

func unmarshalEdgeTraversal(m map[string]any) (EdgeTraversal, error) {
	t := EdgeTraversal{From: getString(m, "from"), To: getString(m, "to"), Reverse: getBool(m, "rev"), Optional: getBool(m, "optional")}
	item, _ := m["item"].(map[string]any)
	var err error
	if t.Item, err = unmarshalPathItem(item); err != nil {
		return t, err
	}
	t.TargetFilter, err = filterFrom(m, "filter")
	return t, err
}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

// hit is one element reached by a traversal, with its recursion metadata.
type hit struct {
	rec   storage.Record
	depth int
	path  []storage.RID
}

// navigate applies one non-recursive movement to rec.
func navigate(ctx *CommandContext, rec storage.Record, item PathItem) ([]storage.Record, error) {
	tx := ctx.Tx()
	var out []storage.Record
	switch item.Method {
	case NavVertex:
		if rec.Kind() != storage.KindVertex {
			return nil, nil
		}
		vs, err := tx.Vertices(rec.Identity(), item.Direction, item.Types...)
		if err != nil {
			return nil, err
		}
		out = vs
	case NavEdge:
		if rec.Kind() != storage.KindVertex {
			return nil, nil
		}
		es, err := tx.Edges(rec.Identity(), item.Direction, item.Types...)
		if err != nil {
			return nil, err
		}
		for _, e := range es {
			out = append(out, e)
		}
	case NavEdgeVertex:
		e, ok := rec.(*storage.Edge)
		if !ok {
			return nil, nil
		}
		var ends []storage.RID
		switch item.Direction {
		case storage.Out:
			ends = []storage.RID{e.Out}
		case storage.In:
			ends = []storage.RID{e.In}
		default:
			ends = []storage.RID{e.Out, e.In}
		}
		for _, rid := range ends {
			v, err := tx.Load(rid)
			if storage.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	ctx.AddStat(StatEdgesTraversed, int64(len(out)))
	return out, nil
}

// traverse returns every element item reaches from start that passes
// target. Single-level items never return start itself; recursive items
// test start at depth 0 and never revisit an element already on the path.
func traverse(ctx *CommandContext, start storage.Record, item PathItem, target *NodeFilter) ([]hit, error) {
	switch {
	case item.IsMulti():
		return traverseMulti(ctx, start, item, target)
	case item.IsRecursive():
		var out []hit
		err := traverseRecursive(ctx, start, item, target, 0, nil, &out)
		return out, err
	}
	next, err := navigate(ctx, start, item)
	if err != nil {
		return nil, err
	}
	var out []hit
	for _, rec := range next {
		ok, err := target.matches(ctx, rec, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, hit{rec: rec, depth: 1})
		}
	}
	return out, nil
}

func traverseRecursive(ctx *CommandContext, rec storage.Record, item PathItem, target *NodeFilter, depth int, path []storage.RID, out *[]hit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = append(path[:len(path):len(path)], rec.Identity())
	row := NewElementResult(rec)
	row.SetMetadata(MetaDepth, int64(depth))
	row.SetMetadata(MetaMatchPath, ridList(path))
	row.SetMetadata(MetaStack, reversedRIDs(path))

	ok, err := target.matches(ctx, rec, row)
	if err != nil {
		return err
	}
	if ok {
		*out = append(*out, hit{rec: rec, depth: depth, path: path})
	}
	if item.MaxDepth > 0 && depth >= item.MaxDepth {
		return nil
	}
	if item.While != nil {
		ctx.SetVariable(VarCurrent, row)
		more, err := expr.Truthy(item.While, row, ctx)
		if err != nil || !more {
			return err
		}
	}
	next, err := navigate(ctx, rec, item)
	if err != nil {
		return err
	}
	for _, n := range next {
		if onPath(path, n.Identity()) {
			continue
		}
		if err := traverseRecursive(ctx, n, item, target, depth+1, path, out); err != nil {
			return err
		}
	}
	return nil
}

func traverseMulti(ctx *CommandContext, start storage.Record, item PathItem, target *NodeFilter) ([]hit, error) {
	frontier := []storage.Record{start}
	for i, sub := range item.Items {
		filter := sub.Filter
		if i == len(item.Items)-1 {
			filter = mergeFilters(sub.Filter, target)
		}
		plain := sub
		plain.Filter = nil
		var next []storage.Record
		for _, rec := range frontier {
			hits, err := traverse(ctx, rec, plain, filter)
			if err != nil {
				return nil, err
			}
			for _, h := range hits {
				next = append(next, h.rec)
			}
		}
		frontier = next
	}
	out := make([]hit, len(frontier))
	for i, rec := range frontier {
		out[i] = hit{rec: rec, depth: len(item.Items)}
	}
	return out, nil
}

func mergeFilters(a, b *NodeFilter) *NodeFilter {
	switch {
	case a.IsEmpty():
		return b
	case b.IsEmpty():
		return a
	}
	m := *a
	if b.Type != "" {
		m.Type = b.Type
	}
	if b.Bucket != "" {
		m.Bucket = b.Bucket
	}
	if b.RID != nil {
		m.RID = b.RID
	}
	if b.Where != nil {
		if m.Where == nil {
			m.Where = b.Where
		} else {
			m.Where = expr.AllOf(m.Where, b.Where)
		}
	}
	return &m
}

func onPath(path []storage.RID, rid storage.RID) bool {
	for _, p := range path {
		if p == rid {
			return true
		}
	}
	return false
}

func ridList(path []storage.RID) []any {
	out := make([]any, len(path))
	for i, r := range path {
		out[i] = r
	}
	return out
}

func reversedRIDs(path []storage.RID) []any {
	out := make([]any, len(path))
	for i, r := range path {
		out[len(path)-1-i] = r
	}
	return out
}
