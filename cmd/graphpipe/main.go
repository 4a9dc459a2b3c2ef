// Command graphpipe is a small shell around an embedded graphpipe database.
//
//	graphpipe init-demo --data-dir ./demo
//	graphpipe scan Person --where "age>=30" --order age --desc --limit 3
//	graphpipe traverse '#1:0' --out Knows --depth 2
//	graphpipe explain Person --where "city=Istanbul" --profile
//	graphpipe stats
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mstrYoda/graphpipe"
	"github.com/mstrYoda/graphpipe/config"
	"github.com/mstrYoda/graphpipe/exec"
	"github.com/mstrYoda/graphpipe/storage"
)

var version = "0.1.0"

// globals holds the persistent flags.
type globals struct {
	configPath string
	dataDir    string
	backend    string
	format     string
}

func main() {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "graphpipe",
		Short:         "graphpipe - embedded document/graph database with a pull-based query pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", os.Getenv("GRAPHPIPE_CONFIG"), "YAML config file")
	pf.StringVar(&g.dataDir, "data-dir", "", "data directory (overrides config)")
	pf.StringVar(&g.backend, "backend", "", "storage backend: bolt or badger (overrides config)")
	pf.StringVar(&g.format, "format", "json", "row output format: json or yaml")

	rootCmd.AddCommand(
		initDemoCmd(g),
		scanCmd(g),
		traverseCmd(g),
		explainCmd(g),
		statsCmd(g),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// open loads the configuration, applies flag overrides and opens the database.
func (g *globals) open() (*graphpipe.DB, error) {
	cfg, err := config.LoadFromFile(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		cfg.Storage.DataDir = g.dataDir
	}
	if g.backend != "" {
		cfg.Storage.Backend = g.backend
	}
	opts, err := graphpipe.OptionsFromConfig(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.InMemory {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return graphpipe.Open(cfg.Storage.DataDir, opts)
}

func initDemoCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init-demo",
		Short: "Create the demo social graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := g.open()
			if err != nil {
				return err
			}
			defer db.Close()

			rids, err := graphpipe.SeedDemo(db)
			if errors.Is(err, storage.ErrTypeExists) {
				return errors.New("demo data already present")
			}
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(rids))
			for k := range rids {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out := cmd.OutOrStdout()
			for _, k := range keys {
				fmt.Fprintf(out, "%-12s %s\n", k, rids[k])
			}
			return nil
		},
	}
}

func scanCmd(g *globals) *cobra.Command {
	var (
		where []string
		order string
		desc  bool
		skip  int64
		limit int64
		count bool
	)
	cmd := &cobra.Command{
		Use:   "scan TYPE",
		Short: "Select records of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, db, err := g.query(args[0], where)
			if err != nil {
				return err
			}
			defer db.Close()

			if count {
				n, err := q.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), humanize.Comma(n))
				return nil
			}
			if order != "" {
				q.OrderBy(order, desc)
			}
			if skip > 0 {
				q.Skip(skip)
			}
			if limit >= 0 {
				q.Limit(limit)
			}
			return g.stream(cmd, db, q.Statement())
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&where, "where", nil, `condition such as "age>=30" (repeatable, ANDed)`)
	f.StringVar(&order, "order", "", "property to order by")
	f.BoolVar(&desc, "desc", false, "descending order")
	f.Int64Var(&skip, "skip", 0, "rows to skip")
	f.Int64Var(&limit, "limit", -1, "maximum rows (-1 for all)")
	f.BoolVar(&count, "count", false, "print the number of matching records")
	return cmd
}

func traverseCmd(g *globals) *cobra.Command {
	var (
		out, in, both []string
		depth         int
		limit         int64
	)
	cmd := &cobra.Command{
		Use:   "traverse RID",
		Short: "Walk the graph from a vertex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rid, err := storage.ParseRID(args[0])
			if err != nil {
				return err
			}
			db, err := g.open()
			if err != nil {
				return err
			}
			defer db.Close()

			tr := db.Traverse(rid)
			switch {
			case len(in) > 0:
				tr.In(in...)
			case len(both) > 0:
				tr.Both(both...)
			default:
				tr.Out(out...)
			}
			if depth > 0 {
				tr.MaxDepth(depth)
			}
			return g.stream(cmd, db, tr.Limit(limit).Statement())
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&out, "out", nil, "follow outgoing edges of these types (default: all)")
	f.StringSliceVar(&in, "in", nil, "follow incoming edges of these types")
	f.StringSliceVar(&both, "both", nil, "follow edges of these types in either direction")
	f.IntVar(&depth, "depth", 0, "maximum depth; 0 is a single hop")
	f.Int64Var(&limit, "limit", -1, "maximum rows (-1 for all)")
	return cmd
}

func explainCmd(g *globals) *cobra.Command {
	var (
		where   []string
		order   string
		limit   int64
		profile bool
	)
	cmd := &cobra.Command{
		Use:   "explain TYPE",
		Short: "Print the execution plan of a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, db, err := g.query(args[0], where)
			if err != nil {
				return err
			}
			defer db.Close()
			if order != "" {
				q.OrderBy(order, false)
			}
			if limit >= 0 {
				q.Limit(limit)
			}

			var qp *graphpipe.QueryPlan
			if profile {
				qp, err = db.Profile(cmd.Context(), q.Statement())
			} else {
				qp, err = db.Explain(cmd.Context(), q.Statement())
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), qp.String())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&where, "where", nil, `condition such as "city=Istanbul" (repeatable, ANDed)`)
	f.StringVar(&order, "order", "", "property to order by")
	f.Int64Var(&limit, "limit", -1, "maximum rows (-1 for all)")
	f.BoolVar(&profile, "profile", false, "run the statement and show per-step timings")
	return cmd
}

func statsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts and sizes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := g.open()
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := db.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backend:   %s\n", st.Backend)
			fmt.Fprintf(out, "types:     %d\n", st.Types)
			fmt.Fprintf(out, "indexes:   %d\n", st.Indexes)
			fmt.Fprintf(out, "disk size: %s\n", humanize.Bytes(uint64(max(st.DiskSizeBytes, 0))))
			names := make([]string, 0, len(st.Records))
			var total int64
			for name, n := range st.Records {
				names = append(names, name)
				total += n
			}
			sort.Strings(names)
			fmt.Fprintf(out, "records:   %s\n", humanize.Comma(total))
			for _, name := range names {
				fmt.Fprintf(out, "  %-16s %s\n", name, humanize.Comma(st.Records[name]))
			}
			return nil
		},
	}
}

// query opens the database and starts a SELECT over typeName with the
// parsed --where conditions.
func (g *globals) query(typeName string, where []string) (*graphpipe.Query, *graphpipe.DB, error) {
	conds := make([]*condition, 0, len(where))
	for _, w := range where {
		c, err := parseCondition(w)
		if err != nil {
			return nil, nil, err
		}
		conds = append(conds, c)
	}
	db, err := g.open()
	if err != nil {
		return nil, nil, err
	}
	q := db.From(typeName)
	for _, c := range conds {
		q.Where(c.expression())
	}
	return q, db, nil
}

// stream prints each row as it is produced and a summary on stderr.
func (g *globals) stream(cmd *cobra.Command, db *graphpipe.DB, stmt exec.Statement) error {
	w, err := newRowWriter(cmd.OutOrStdout(), g.format)
	if err != nil {
		return err
	}
	rows := 0
	err = db.Stream(cmd.Context(), stmt, func(r *exec.Result) error {
		rows++
		return w.write(r)
	})
	if err != nil {
		return err
	}
	if err := w.close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s row(s)\n", humanize.Comma(int64(rows)))
	return nil
}
