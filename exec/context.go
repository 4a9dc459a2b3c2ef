package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mstrYoda/graphpipe/storage"
)

// Well-known variable names bound by traversal steps.
const (
	VarCurrent   = "current"
	VarParent    = "parent"
	VarDepth     = "depth"
	VarMatchPath = "matchPath"
	VarStack     = "stack"
)

// TimeoutStrategy decides what a timed-out statement does.
type TimeoutStrategy uint8

const (
	// TimeoutException fails the statement with ErrTimeout.
	TimeoutException TimeoutStrategy = iota
	// TimeoutReturn truncates the output silently.
	TimeoutReturn
)

func (s TimeoutStrategy) String() string {
	if s == TimeoutReturn {
		return "RETURN"
	}
	return "EXCEPTION"
}

// ParseTimeoutStrategy accepts RETURN or EXCEPTION, case-insensitively. The
// empty string is EXCEPTION.
func ParseTimeoutStrategy(s string) (TimeoutStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EXCEPTION":
		return TimeoutException, nil
	case "RETURN":
		return TimeoutReturn, nil
	}
	return TimeoutException, fmt.Errorf("exec: unknown timeout strategy %q", s)
}

// CommandContext is the environment a plan executes in. Contexts form a tree:
// sub-queries, prefetches and loop bodies run in a child that sees the
// parent's variables but binds its own. All contexts of a tree share the
// transaction, the parameters and the statistics counters.
type CommandContext struct {
	parent *CommandContext
	ctx    context.Context
	id     uuid.UUID
	tx     *storage.Tx
	log    *slog.Logger

	vars      map[string]any
	params    map[string]any
	profiling bool

	stats *stats
}

type stats struct {
	mu sync.Mutex
	m  map[string]int64
}

// ContextOption configures a root context.
type ContextOption func(*CommandContext)

// WithParams binds named parameters.
func WithParams(params map[string]any) ContextOption {
	return func(c *CommandContext) {
		for k, v := range params {
			c.params[k] = v
		}
	}
}

// WithPositional binds positional parameters ?, ? ... in order.
func WithPositional(args ...any) ContextOption {
	return func(c *CommandContext) {
		for i, v := range args {
			c.params[strconv.Itoa(i)] = v
		}
	}
}

// WithLogger sets the logger steps write to.
func WithLogger(l *slog.Logger) ContextOption {
	return func(c *CommandContext) {
		if l != nil {
			c.log = l
		}
	}
}

// WithProfiling turns on per-step timing and row counting.
func WithProfiling(on bool) ContextOption {
	return func(c *CommandContext) { c.profiling = on }
}

// NewContext returns a root context over tx.
func NewContext(ctx context.Context, tx *storage.Tx, opts ...ContextOption) *CommandContext {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &CommandContext{
		ctx:    ctx,
		id:     uuid.New(),
		tx:     tx,
		log:    slog.Default(),
		vars:   make(map[string]any),
		params: make(map[string]any),
		stats:  &stats{m: make(map[string]int64)},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Child returns a new scope below c.
func (c *CommandContext) Child() *CommandContext {
	return &CommandContext{
		parent:    c,
		ctx:       c.ctx,
		id:        c.id,
		tx:        c.tx,
		log:       c.log,
		vars:      make(map[string]any),
		params:    c.params,
		profiling: c.profiling,
		stats:     c.stats,
	}
}

// Parent returns the enclosing scope, nil for the root.
func (c *CommandContext) Parent() *CommandContext { return c.parent }

// Context returns the Go context cancellation is observed on.
func (c *CommandContext) Context() context.Context { return c.ctx }

// Err reports cancellation of the underlying Go context.
func (c *CommandContext) Err() error { return c.ctx.Err() }

// ID identifies the execution; children share the root's id.
func (c *CommandContext) ID() uuid.UUID { return c.id }

func (c *CommandContext) Tx() *storage.Tx { return c.tx }

func (c *CommandContext) Engine() *storage.Engine { return c.tx.Engine() }

func (c *CommandContext) Logger() *slog.Logger { return c.log }

func (c *CommandContext) Profiling() bool { return c.profiling }

// Variable looks a name up through the scope chain.
func (c *CommandContext) Variable(name string) (any, bool) {
	name = strings.TrimPrefix(name, "$")
	for s := c; s != nil; s = s.parent {
		if v, ok := s.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// SetVariable binds name in this scope.
func (c *CommandContext) SetVariable(name string, v any) {
	c.vars[strings.TrimPrefix(name, "$")] = v
}

// AssignVariable rebinds name in the nearest scope that already binds it,
// or binds it in this scope. Script LETs use it so that a loop body can
// update a variable of the enclosing script.
func (c *CommandContext) AssignVariable(name string, v any) {
	name = strings.TrimPrefix(name, "$")
	for s := c; s != nil; s = s.parent {
		if _, ok := s.vars[name]; ok {
			s.vars[name] = v
			return
		}
	}
	c.vars[name] = v
}

// UnsetVariable removes a binding of this scope.
func (c *CommandContext) UnsetVariable(name string) {
	delete(c.vars, strings.TrimPrefix(name, "$"))
}

// Parameter returns a statement parameter.
func (c *CommandContext) Parameter(name string) (any, bool) {
	v, ok := c.params[name]
	return v, ok
}

// Params returns a copy of the bound parameters.
func (c *CommandContext) Params() map[string]any {
	out := make(map[string]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// LoadRecord dereferences a link for expression path navigation.
func (c *CommandContext) LoadRecord(rid storage.RID) (storage.Record, error) {
	return c.tx.Load(rid)
}

// AddStat increments a named execution counter.
func (c *CommandContext) AddStat(name string, n int64) {
	c.stats.mu.Lock()
	c.stats.m[name] += n
	c.stats.mu.Unlock()
}

// Stats returns a snapshot of the execution counters.
func (c *CommandContext) Stats() map[string]int64 {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	out := make(map[string]int64, len(c.stats.m))
	for k, v := range c.stats.m {
		out[k] = v
	}
	return out
}

// StatNames returns the counter names, sorted.
func (c *CommandContext) StatNames() []string {
	s := c.Stats()
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Execution counter names.
const (
	StatRecordsScanned = "recordsScanned"
	StatIndexEntries   = "indexEntries"
	StatEdgesTraversed = "edgesTraversed"
	StatCommits        = "batchCommits"
	StatRecordsSaved   = "recordsSaved"
	StatRecordsDeleted = "recordsDeleted"
	StatTimeouts       = "timeouts"
)
