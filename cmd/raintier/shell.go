package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

func shellCmd(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, a *app, g *globalFlags, args []string) error {
		sh := &shell{ctx: ctx, app: a, base: g.baseArgs()}
		fmt.Fprintf(a.out, "raintier %s shell. Type 'help' for commands, 'exit' to leave.\n", Version)

		p := prompt.New(sh.execute, sh.complete,
			prompt.OptionPrefix("raintier> "),
			prompt.OptionTitle("raintier"),
			prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
				return breakline && isExit(in)
			}),
		)
		p.Run()
		return nil
	}
}

// baseArgs carries the flags the shell was started with into every command.
func (g *globalFlags) baseArgs() []string {
	var out []string
	if g.config != "" {
		out = append(out, "-config", g.config)
	}
	if g.envFile != "" {
		out = append(out, "-env-file", g.envFile)
	}
	if g.verbose {
		out = append(out, "-v")
	}
	if g.stations != "" {
		out = append(out, "-stations", g.stations)
	}
	return out
}

type shell struct {
	ctx  context.Context
	app  *app
	base []string
}

func isExit(in string) bool {
	in = strings.TrimSpace(in)
	return in == "exit" || in == "quit"
}

func (s *shell) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 || isExit(line) {
		return
	}
	if fields[0] == "shell" {
		fmt.Fprintln(s.app.errOut, "already in the shell")
		return
	}

	args := append([]string{fields[0]}, s.base...)
	args = append(args, fields[1:]...)
	if code := run(s.ctx, args, s.app.out, s.app.errOut); code != 0 {
		fmt.Fprintf(s.app.errOut, "exit status %d\n", code)
	}
}

var flagSuggestions = []prompt.Suggest{
	{Text: "-period", Description: "YYYYMMDDHHMM[-YYYYMMDDHHMM] or Nd/Nh/Nm"},
	{Text: "-timeframe", Description: "5min, hour or day"},
	{Text: "-prodcode", Description: "realtime, near-realtime, afterwards or ultimate"},
	{Text: "-stations", Description: "comma separated station codes"},
	{Text: "-kind", Description: "aggregate, calibrated or consistent"},
	{Text: "-from", Description: "source tier"},
	{Text: "-to", Description: "target tier"},
	{Text: "-pair", Description: "active/standby pair"},
	{Text: "-region", Description: "store holding the new region"},
	{Text: "-tier", Description: "timeframe/tier"},
	{Text: "-depth", Description: "bands per chunk"},
	{Text: "-all", Description: "every timeframe"},
	{Text: "-dry-run", Description: "report only"},
	{Text: "-v", Description: "debug logging"},
}

func commandSuggestions() []prompt.Suggest {
	out := []prompt.Suggest{{Text: "exit", Description: "leave the shell"}}
	for name, c := range commands {
		if name == "shell" {
			continue
		}
		out = append(out, prompt.Suggest{Text: name, Description: c.summary})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Text < out[j].Text })
	return out
}

func valueSuggestions(flagName string) []prompt.Suggest {
	var out []prompt.Suggest
	switch flagName {
	case "-timeframe":
		for _, tf := range types.AllTimeframes() {
			out = append(out, prompt.Suggest{Text: tf.String()})
		}
	case "-prodcode":
		for _, pc := range types.AllProdcodes() {
			out = append(out, prompt.Suggest{Text: pc.String()})
		}
	case "-kind":
		for _, k := range products.AllKinds() {
			out = append(out, prompt.Suggest{Text: string(k)})
		}
	}
	return out
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	return suggest(d.TextBeforeCursor())
}

// suggest completes the last word of text.
func suggest(text string) []prompt.Suggest {
	fields := strings.Fields(text)
	word := ""
	if !strings.HasSuffix(text, " ") && len(fields) > 0 {
		word = fields[len(fields)-1]
		fields = fields[:len(fields)-1]
	}

	if len(fields) == 0 {
		return prompt.FilterHasPrefix(commandSuggestions(), word, true)
	}
	if vals := valueSuggestions(fields[len(fields)-1]); vals != nil {
		return prompt.FilterHasPrefix(vals, word, true)
	}
	if strings.HasPrefix(word, "-") {
		return prompt.FilterHasPrefix(flagSuggestions, word, true)
	}
	return nil
}
