package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/xtxerr/raintier/internal/consistify"
	"github.com/xtxerr/raintier/internal/httpapi"
	"github.com/xtxerr/raintier/internal/period"
	"github.com/xtxerr/raintier/internal/pipeline"
	"github.com/xtxerr/raintier/internal/storage/aggregate"
	"github.com/xtxerr/raintier/internal/storage/parquet"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/retention"
	"github.com/xtxerr/raintier/internal/storage/store"
	"github.com/xtxerr/raintier/internal/storage/tier"
	"github.com/xtxerr/raintier/internal/storage/types"
	"github.com/xtxerr/raintier/internal/validation"
)

type runFunc = func(ctx context.Context, a *app, g *globalFlags, args []string) error

const timeLayout = "2006-01-02 15:04"

func (g *globalFlags) timeframeValue() (types.Timeframe, error) {
	return types.ParseTimeframe(g.timeframe)
}

func (g *globalFlags) prodcodeValue() (types.Prodcode, error) {
	return types.ParseProdcode(g.prodcode)
}

func (g *globalFlags) periodValue(a *app) (period.Range, error) {
	if g.period == "" {
		return period.Range{}, fmt.Errorf("-period is required")
	}
	tf, err := g.timeframeValue()
	if err != nil {
		return period.Range{}, err
	}
	return period.Parse(g.period, tf, a.clock)
}

// forEach runs fn for every instant of r. Failures are logged and joined;
// cancellation stops the walk.
func forEach(ctx context.Context, a *app, r period.Range, fn func(t time.Time) error) error {
	var errs []error
	it := r.Iter()
	for t, ok := it.Next(); ok; t, ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := fn(t); err != nil {
			a.logger.Error("failed", "timeframe", r.Timeframe, "datetime", t.Format(timeLayout), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Format(period.Layout), err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) request(tf types.Timeframe, t time.Time) aggregate.Request {
	return aggregate.Request{Datetime: t, Timeframe: tf, Stations: a.cfg.Stations, Declutter: a.declutter()}
}

func aggregateCmd(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		r, err := g.periodValue(a)
		if err != nil {
			return err
		}
		agg, err := a.getAggregator()
		if err != nil {
			return err
		}
		return forEach(ctx, a, r, func(t time.Time) error {
			res, err := agg.Aggregate(ctx, a.request(r.Timeframe, t))
			if err != nil {
				return err
			}
			missing := "-"
			if m := res.MissingStations(); len(m) > 0 {
				missing = strings.Join(m, ",")
			}
			fmt.Fprintf(a.out, "%s %s composites=%d missing=%s wet=%d max=%.2f p90=%.2f\n",
				r.Timeframe, t.Format(timeLayout), res.CompositeCount, missing,
				res.Summary.Wet, res.Summary.Max, res.Summary.P90)
			return nil
		})
	}
}

func calibrateCmd(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		r, err := g.periodValue(a)
		if err != nil {
			return err
		}
		pc, err := g.prodcodeValue()
		if err != nil {
			return err
		}
		agg, err := a.getAggregator()
		if err != nil {
			return err
		}
		cal, err := a.getCalibrator(ctx)
		if err != nil {
			return err
		}
		return forEach(ctx, a, r, func(t time.Time) error {
			res, err := agg.Aggregate(ctx, a.request(r.Timeframe, t))
			if err != nil {
				return err
			}
			p, err := cal.Calibrate(ctx, res, pc)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s method=%s gauges=%d\n", p.Key.Code(), t.Format(timeLayout), p.Method, p.GaugeCount)
			return nil
		})
	}
}

func consistifyCmd(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		r, err := g.periodValue(a)
		if err != nil {
			return err
		}
		pc, err := g.prodcodeValue()
		if err != nil {
			return err
		}
		cons := a.getConsistifier()
		return forEach(ctx, a, r, func(t time.Time) error {
			key := types.ProductKey{Prodcode: pc, Timeframe: r.Timeframe, Datetime: t}
			anchor, err := a.products.LoadProduct(products.KindCalibrated, key)
			if err != nil {
				return err
			}
			if !consistify.Eligible(anchor) {
				fmt.Fprintf(a.out, "%s %s not a reliable anchor, skipped\n", key.Code(), t.Format(timeLayout))
				return nil
			}
			out, err := cons.CreateConsistentProducts(ctx, anchor)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s consistent=%d\n", key.Code(), t.Format(timeLayout), len(out))
			return nil
		})
	}
}

func runCmd(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		r, err := g.periodValue(a)
		if err != nil {
			return err
		}
		pc, err := g.prodcodeValue()
		if err != nil {
			return err
		}
		p, err := a.getPipeline(ctx)
		if err != nil {
			return err
		}
		d := pipeline.Delivery{Prodcode: pc, Stations: a.cfg.Stations, Declutter: a.declutter()}
		if err := p.RunRange(ctx, r, d); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s %s: %d periods done\n", pc, r, r.Len())
		return nil
	}
}

func moveCmd(fs *flag.FlagSet) runFunc {
	from := fs.String("from", "", "source tier")
	to := fs.String("to", "", "target tier, deeper than the source")
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		if *from == "" || *to == "" {
			return fmt.Errorf("-from and -to are required")
		}
		tf, err := g.timeframeValue()
		if err != nil {
			return err
		}
		m, err := a.getTiers(ctx, true)
		if err != nil {
			return err
		}
		n, err := m.Move(ctx, tf, *from, *to)
		fmt.Fprintf(a.out, "%s: moved %d chunks from %s to %s\n", tf, n, *from, *to)
		return err
	}
}

func rotateCmd(fs *flag.FlagSet) runFunc {
	pair := fs.String("pair", "", "active/standby pair name")
	region := fs.String("region", "", "path of the file store holding the new region")
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		if *pair == "" || *region == "" {
			return fmt.Errorf("-pair and -region are required")
		}
		m, err := a.getTiers(ctx, true)
		if err != nil {
			return err
		}
		src, err := store.Open(*region, parquet.DefaultOptions())
		if err != nil {
			return err
		}
		if err := m.Rotate(ctx, *pair, src); err != nil {
			return err
		}
		active, err := m.Active(ctx, *pair)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s: active store is now %s\n", *pair, active.Path())
		return nil
	}
}

func promoteCmd(fs *flag.FlagSet) runFunc {
	all := fs.Bool("all", false, "promote every timeframe")
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		m, err := a.getTiers(ctx, true)
		if err != nil {
			return err
		}
		tfs := m.Timeframes()
		if !*all {
			tf, err := g.timeframeValue()
			if err != nil {
				return err
			}
			tfs = []types.Timeframe{tf}
		}
		var errs []error
		for _, tf := range tfs {
			n, err := m.Promote(ctx, tf)
			fmt.Fprintf(a.out, "%s: moved %d chunks\n", tf, n)
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
}

func tiersCmd(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		tf, err := g.timeframeValue()
		if err != nil {
			return err
		}
		m, err := a.getTiers(ctx, true)
		if err != nil {
			return err
		}
		statuses, err := m.Describe(ctx, tf)
		if err != nil {
			return err
		}
		printTiers(a, statuses)
		return nil
	}
}

func printTiers(a *app, statuses []tier.Status) {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tPRODCODE\tDRAIN_TO\tDEPTH\tBANDS\tSTART\tSTOP")
	for _, st := range statuses {
		start, stop := "-", "-"
		if !st.Empty {
			start, stop = st.Start.Format(timeLayout), st.Stop.Format(timeLayout)
		}
		if st.Err != nil {
			start = "error: " + st.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", st.Name, dash(st.Prodcode), dash(st.DrainTo), st.Depth, st.Bands, start, stop)
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func showCmd(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("usage: show kind/code/YYYYMMDDHHMM")
		}
		ref, err := validation.ParseProductRef(args[0])
		if err != nil {
			return err
		}
		meta, err := a.products.ReadMeta(ref.Kind, ref.Code(), ref.Datetime)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "product\t%s\n", ref)
		fmt.Fprintf(w, "grid\t%dx%d\n", meta.Rows, meta.Cols)
		fmt.Fprintf(w, "stations\t%s\n", strings.Join(meta.Stations, ","))
		fmt.Fprintf(w, "composites\t%d\n", meta.CompositeCount)
		if meta.Method != "" {
			fmt.Fprintf(w, "method\t%s\n", meta.Method)
			fmt.Fprintf(w, "gauges\t%d\n", meta.GaugeCount)
		}
		if meta.Anchor != nil {
			fmt.Fprintf(w, "anchor\t%s %s %s\n", meta.Anchor.Prodcode, meta.Anchor.Timeframe, meta.Anchor.Datetime.Format(timeLayout))
		}
		if s := meta.Summary; s != nil {
			fmt.Fprintf(w, "wet cells\t%d\n", s.Wet)
			fmt.Fprintf(w, "max/p50/p90/p99\t%.2f/%.2f/%.2f/%.2f\n", s.Max, s.P50, s.P90, s.P99)
		}
		return w.Flush()
	}
}

func cleanupCmd(fs *flag.FlagSet) runFunc {
	dryRun := fs.Bool("dry-run", false, "report without deleting")
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		m := retention.New(a.products, a.cfg.Retention, a.clock, a.logger)
		var results []retention.CleanupResult
		if *dryRun {
			results = m.DryRun()
		} else {
			results = m.RunCleanup()
		}

		var errs []error
		for _, r := range results {
			if r.FilesDeleted > 0 || len(r.Errors) > 0 {
				fmt.Fprintf(a.out, "%s/%s: %d files, %d bytes (retention %s)\n", r.Kind, r.Code, r.FilesDeleted, r.BytesFreed, r.Retention)
			}
			errs = append(errs, r.Errors...)
		}
		fmt.Fprint(a.out, m.FormatDiskUsage())
		return errors.Join(errs...)
	}
}

func reportCmd(fs *flag.FlagSet) runFunc {
	kindName := fs.String("kind", string(products.KindCalibrated), "product kind: aggregate, calibrated or consistent")
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		kind, err := products.ParseKind(*kindName)
		if err != nil {
			return err
		}
		r, err := g.periodValue(a)
		if err != nil {
			return err
		}
		code := products.AggregateCode(r.Timeframe)
		if kind != products.KindAggregate {
			pc, err := g.prodcodeValue()
			if err != nil {
				return err
			}
			code = types.ProductKey{Prodcode: pc, Timeframe: r.Timeframe}.Code()
		}

		q, err := a.getQuery()
		if err != nil {
			return err
		}
		totals, err := q.PeriodTotals(ctx, kind, code, r.Start, r.End)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "DATETIME\tSUM\tMAX\tVALID\tMASKED\t")
		var sum float64
		for _, t := range totals {
			fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%d\t%d\t\n", t.Datetime.Format(timeLayout), t.Sum, t.Max, t.Valid, t.Masked)
			sum += t.Sum
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s/%s %s: %d of %d products, total %.2f\n", kind, code, r, len(totals), r.Len(), sum)
		return nil
	}
}

func initStoreCmd(fs *flag.FlagSet) runFunc {
	tierRef := fs.String("tier", "", "manifest tier as timeframe/tier, e.g. hour/real1")
	path := fs.String("path", "", "store directory (instead of -tier)")
	depth := fs.Int("depth", 0, "bands per chunk")
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		if *depth <= 0 {
			return fmt.Errorf("-depth must be positive")
		}
		tf, err := g.timeframeValue()
		if err != nil {
			return err
		}

		dir := *path
		switch {
		case *tierRef != "" && dir != "":
			return fmt.Errorf("-tier and -path are exclusive")
		case *tierRef != "":
			ref, err := validation.ParseTierRef(*tierRef)
			if err != nil {
				return err
			}
			if dir, err = manifestPath(ctx, a, ref); err != nil {
				return err
			}
			tf = ref.Timeframe
		case dir == "":
			return fmt.Errorf("-tier or -path is required")
		}

		h := store.NewHeader(tf, *depth, a.cfg.Grid.Rows, a.cfg.Grid.Cols)
		if _, err := store.Create(dir, h, parquet.DefaultOptions()); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "created %s store %s (depth %d, %dx%d)\n", tf, dir, h.Depth, h.Rows, h.Cols)
		return nil
	}
}

func manifestPath(ctx context.Context, a *app, ref *validation.TierRef) (string, error) {
	m, err := a.getTiers(ctx, true)
	if err != nil {
		return "", err
	}
	specs, err := m.Tiers(ref.Timeframe)
	if err != nil {
		return "", err
	}
	for _, s := range specs {
		if s.Name == ref.Tier {
			return s.Path, nil
		}
	}
	return "", fmt.Errorf("tier %s is not in the manifest", ref)
}

func (a *app) httpServer(ctx context.Context) (*httpapi.Server, error) {
	deps := httpapi.Deps{Products: a.products, Gatherer: a.registry, Clock: a.clock}
	tiers, err := a.getTiers(ctx, false)
	if err != nil {
		return nil, err
	}
	if tiers != nil {
		deps.Tiers = tiers
	}
	q, err := a.getQuery()
	if err != nil {
		return nil, err
	}
	deps.Reports = q
	return httpapi.New(a.cfg.HTTP.Listen, deps, a.logger), nil
}

func serveCmd(fs *flag.FlagSet) runFunc {
	listen := fs.String("listen", "", "listen address (overrides config)")
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		if *listen != "" {
			a.cfg.HTTP.Listen = *listen
		}
		srv, err := a.httpServer(ctx)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	}
}

func daemonCmd(fs *flag.FlagSet) runFunc {
	listen := fs.String("listen", "", "listen address (overrides config)")
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		if *listen != "" {
			a.cfg.HTTP.Listen = *listen
		}
		m, err := a.getTiers(ctx, true)
		if err != nil {
			return err
		}
		srv, err := a.httpServer(ctx)
		if err != nil {
			return err
		}

		sched := tier.NewScheduler(m, a.cfg.Daemon.PromoteInterval, a.clock)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		a.logger.Info("daemon started", "version", Version, "promote_interval", a.cfg.Daemon.PromoteInterval, "listen", a.cfg.HTTP.Listen)

		err = srv.Run(ctx)
		sched.Stop()
		st := sched.Stats()
		a.logger.Info("daemon stopped", "runs", st.Runs, "failures", st.Failures, "chunks_moved", st.ChunksMoved)
		return err
	}
}

func versionCmd(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		fmt.Fprintf(a.out, "raintier %s\n", Version)
		return nil
	}
}
