package graphpipe

import (
	"context"
	"time"

	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/expr"
	"github.com/mstrYoda/graphpipe/storage"
)

// Query builds a SELECT fluently.
//
//	res, err := db.From("Person").
//		Where(expr.Cmp(expr.Prop("age"), expr.OpGe, expr.Lit(18))).
//		OrderBy("age", true).
//		Limit(10).
//		Execute(ctx)
type Query struct {
	db   *DB
	stmt exec.SelectStatement
	opts []QueryOption
}

// From starts a query over every record of a type and its subtypes.
func (db *DB) From(typeName string) *Query {
	return &Query{db: db, stmt: exec.SelectStatement{Target: exec.Target{Type: typeName}}}
}

// FromRIDs starts a query over the given records, in order.
func (db *DB) FromRIDs(rids ...storage.RID) *Query {
	return &Query{db: db, stmt: exec.SelectStatement{Target: exec.Target{RIDs: rids}}}
}

// FromBuckets starts a query over the named buckets.
func (db *DB) FromBuckets(buckets ...string) *Query {
	return &Query{db: db, stmt: exec.SelectStatement{Target: exec.Target{Buckets: buckets}}}
}

// Select sets the projection. Without it whole records are returned.
func (q *Query) Select(items ...exec.ProjectionItem) *Query {
	q.stmt.Projection = append(q.stmt.Projection, items...)
	return q
}

// Fields projects the named properties.
func (q *Query) Fields(names ...string) *Query {
	for _, n := range names {
		q.stmt.Projection = append(q.stmt.Projection, exec.ProjectionItem{Expr: expr.Prop(n)})
	}
	return q
}

// Where adds a condition; several calls are ANDed.
func (q *Query) Where(cond expr.Expression) *Query {
	if q.stmt.Where == nil {
		q.stmt.Where = cond
	} else {
		q.stmt.Where = expr.AllOf(q.stmt.Where, cond)
	}
	return q
}

// Distinct removes duplicate rows.
func (q *Query) Distinct() *Query {
	q.stmt.Distinct = true
	return q
}

// GroupBy groups aggregate projections by the given expressions.
func (q *Query) GroupBy(keys ...expr.Expression) *Query {
	q.stmt.GroupBy = append(q.stmt.GroupBy, keys...)
	return q
}

// OrderBy sorts by a property; later calls break ties.
func (q *Query) OrderBy(property string, desc bool) *Query {
	q.stmt.OrderBy = append(q.stmt.OrderBy, exec.OrderItem{Expr: expr.Prop(property), Desc: desc})
	return q
}

// Skip drops the first n rows.
func (q *Query) Skip(n int64) *Query {
	q.stmt.Skip = expr.Lit(n)
	return q
}

// Limit caps the number of rows; -1 is unlimited.
func (q *Query) Limit(n int64) *Query {
	q.stmt.Limit = expr.Lit(n)
	return q
}

// Timeout bounds the statement's own execution time.
func (q *Query) Timeout(d time.Duration, strategy exec.TimeoutStrategy) *Query {
	q.stmt.Timeout = &exec.Timeout{Duration: d, Strategy: strategy}
	return q
}

// With adds execution options such as parameters.
func (q *Query) With(opts ...QueryOption) *Query {
	q.opts = append(q.opts, opts...)
	return q
}

// Statement returns the built statement.
func (q *Query) Statement() *exec.SelectStatement {
	st := q.stmt
	return &st
}

// Execute runs the query.
func (q *Query) Execute(ctx context.Context) (*Result, error) {
	return q.db.Query(ctx, q.Statement(), q.opts...)
}

// Count returns the number of matching records.
func (q *Query) Count(ctx context.Context) (int64, error) {
	st := q.Statement()
	st.Projection = []exec.ProjectionItem{{Expr: expr.Fn("count"), Alias: "count"}}
	st.OrderBy, st.Skip, st.Limit = nil, nil, nil
	res, err := q.db.Query(ctx, st, q.opts...)
	if err != nil {
		return 0, err
	}
	if res.Len() == 0 {
		return 0, nil
	}
	n, _ := res.Rows[0].Property("count")
	v, _ := n.(int64)
	return v, nil
}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

// Traversal aliases.
const (
	TraverseStart = "start"
	TraverseNode  = "node"
	TraverseDepth = "depth"
	TraversePath  = "path"
)

// Traversal builds a recursive MATCH from a start vertex:
//
//	db.Traverse(rid).Out("follows").MaxDepth(3).Execute(ctx)
//
// Each row holds the reached vertex (node), its depth and the path of
// identities that led to it.
type Traversal struct {
	db    *DB
	start exec.MatchNode
	item  exec.PathItem
	node  exec.MatchNode
	limit int64
	opts  []QueryOption
}

// Traverse starts a traversal at one record.
func (db *DB) Traverse(start storage.RID) *Traversal {
	rid := start
	return &Traversal{db: db, start: exec.MatchNode{Alias: TraverseStart, RID: &rid}, item: exec.Out(), limit: -1}
}

// TraverseFrom starts a traversal at every vertex of a type matching where.
func (db *DB) TraverseFrom(typeName string, where expr.Expression) *Traversal {
	return &Traversal{
		db:    db,
		start: exec.MatchNode{Alias: TraverseStart, Type: typeName, Where: where},
		item:  exec.Out(),
		limit: -1,
	}
}

func (t *Traversal) direction(item exec.PathItem) *Traversal {
	item.MaxDepth, item.While = t.item.MaxDepth, t.item.While
	t.item = item
	return t
}

// Out follows outgoing edges of the given types (all types when empty).
func (t *Traversal) Out(types ...string) *Traversal { return t.direction(exec.Out(types...)) }

// In follows incoming edges.
func (t *Traversal) In(types ...string) *Traversal { return t.direction(exec.In(types...)) }

// Both follows edges in either direction.
func (t *Traversal) Both(types ...string) *Traversal { return t.direction(exec.Both(types...)) }

// MaxDepth stops the walk n levels below the start.
func (t *Traversal) MaxDepth(n int) *Traversal {
	t.item.MaxDepth = n
	return t
}

// While keeps walking only through vertices on which cond holds. $depth is
// bound to the current depth.
func (t *Traversal) While(cond expr.Expression) *Traversal {
	t.item.While = cond
	return t
}

// Where keeps only reached vertices matching cond.
func (t *Traversal) Where(cond expr.Expression) *Traversal {
	t.node.Where = cond
	return t
}

// OfType keeps only reached vertices of a type.
func (t *Traversal) OfType(typeName string) *Traversal {
	t.node.Type = typeName
	return t
}

// Limit caps the number of rows; -1 is unlimited.
func (t *Traversal) Limit(n int64) *Traversal {
	t.limit = n
	return t
}

// With adds execution options such as parameters.
func (t *Traversal) With(opts ...QueryOption) *Traversal {
	t.opts = append(t.opts, opts...)
	return t
}

// Statement returns the built MATCH. Without MaxDepth or While the walk is
// a single hop.
func (t *Traversal) Statement() *exec.MatchStatement {
	item := t.item
	node := t.node
	node.Alias = TraverseNode
	if item.IsRecursive() {
		item.DepthAlias = TraverseDepth
		item.PathAlias = TraversePath
	}
	ret := []exec.ProjectionItem{{Expr: expr.Prop(TraverseNode), Alias: TraverseNode}}
	if item.IsRecursive() {
		ret = append(ret,
			exec.ProjectionItem{Expr: expr.Prop(TraverseDepth), Alias: TraverseDepth},
			exec.ProjectionItem{Expr: expr.Prop(TraversePath), Alias: TraversePath},
		)
	}
	st := &exec.MatchStatement{
		Chains: []exec.MatchChain{{Start: t.start, Hops: []exec.MatchHop{{Item: item, Node: node}}}},
		Return: ret,
	}
	if t.limit >= 0 {
		st.Limit = expr.Lit(t.limit)
	}
	return st
}

// Execute runs the traversal.
func (t *Traversal) Execute(ctx context.Context) (*Result, error) {
	return t.db.Query(ctx, t.Statement(), t.opts...)
}
