// raintier builds radar rainfall products and manages the tiered stores
// they are published into.
//
// Usage:
//
//	raintier <command> [flags]
//
// Every command accepts -config, -env-file, -v, -period, -timeframe,
// -prodcode and -stations. Run "raintier help" for the command list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/xtxerr/raintier/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

// globalFlags are accepted by every command.
type globalFlags struct {
	config    string
	envFile   string
	verbose   bool
	period    string
	timeframe string
	prodcode  string
	stations  string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.config, "config", os.Getenv("RAINTIER_CONFIG"), "config file path")
	fs.StringVar(&g.envFile, "env-file", ".env", "environment file read before RAINTIER_* variables")
	fs.BoolVar(&g.verbose, "v", false, "debug logging")
	fs.StringVar(&g.period, "period", "", "period: YYYYMMDDHHMM[-YYYYMMDDHHMM] or Nd/Nh/Nm")
	fs.StringVar(&g.timeframe, "timeframe", "hour", "timeframe: 5min, hour or day")
	fs.StringVar(&g.prodcode, "prodcode", "realtime", "prodcode: realtime, near-realtime, afterwards or ultimate")
	fs.StringVar(&g.stations, "stations", "", "comma separated station codes (overrides config)")
}

// command is one subcommand. flags registers command specific flags and
// returns the function that runs it once flags are parsed.
type command struct {
	summary string
	flags   func(fs *flag.FlagSet) func(ctx context.Context, a *app, g *globalFlags, args []string) error
	// noApp commands run without a resolved configuration.
	noApp bool
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"aggregate":  {summary: "build or reuse the aggregates of a period", flags: aggregateCmd},
		"calibrate":  {summary: "calibrate the aggregates of a period against gauges", flags: calibrateCmd},
		"consistify": {summary: "rescale sub-products to their calibrated anchors", flags: consistifyCmd},
		"run":        {summary: "run the full pipeline over a period", flags: runCmd},
		"move":       {summary: "move all data of one tier into a deeper tier", flags: moveCmd},
		"rotate":     {summary: "replace the active store of a pair with a new region", flags: rotateCmd},
		"promote":    {summary: "drain every tier with a drain_to target", flags: promoteCmd},
		"tiers":      {summary: "show tier occupancy", flags: tiersCmd},
		"show":       {summary: "show the metadata of a product", flags: showCmd},
		"cleanup":    {summary: "delete product files past retention", flags: cleanupCmd},
		"report":     {summary: "summarize products over a period", flags: reportCmd},
		"init-store": {summary: "create an empty file store", flags: initStoreCmd},
		"serve":      {summary: "serve the status API", flags: serveCmd},
		"daemon":     {summary: "promote tiers on a schedule and serve the status API", flags: daemonCmd},
		"shell":      {summary: "interactive shell over these commands", flags: shellCmd, noApp: true},
		"version":    {summary: "print the version", flags: versionCmd, noApp: true},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	err := dispatch(ctx, args, stdout, stderr)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return 0
	}
	var logged errLogged
	if !errors.As(err, &logged) {
		logging.New(logging.Options{Format: "text", Output: stderr}).Error("command failed", "error", err)
	}
	return 1
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage(stderr)
		if len(args) == 0 {
			return fmt.Errorf("no command given")
		}
		return nil
	}

	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		usage(stderr)
		return fmt.Errorf("unknown command %q", name)
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globalFlags
	g.register(fs)
	exec := cmd.flags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if cmd.noApp {
		return exec(ctx, &app{out: stdout, errOut: stderr}, &g, fs.Args())
	}

	a, err := newApp(&g, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}()

	if err := exec(ctx, a, &g, fs.Args()); err != nil {
		a.logger.Error("command failed", "command", name, "error", err)
		return errLogged{err}
	}
	return nil
}

// errLogged marks an error already logged by the app logger.
type errLogged struct{ error }

func (e errLogged) Unwrap() error { return e.error }

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "raintier %s\n\nUsage: raintier <command> [flags]\n\nCommands:\n", Version)
	for _, n := range names {
		fmt.Fprintf(w, "  %-11s %s\n", n, commands[n].summary)
	}
	fmt.Fprintln(w, "\nRun 'raintier <command> -h' for the flags of a command.")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
