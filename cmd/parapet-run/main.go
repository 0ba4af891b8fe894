package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parapet-dev/parapet"
	"github.com/parapet-dev/parapet/object"
	"github.com/parapet-dev/parapet/ruleset"
	"github.com/parapet-dev/parapet/telemetry"
)

func main() {
	var (
		rulesFile   = flag.String("rules", "", "Ruleset file (.json/.yaml); empty uses the bundled ruleset")
		inputFile   = flag.String("input", "", "JSON file mapping addresses to values")
		inputJSON   = flag.String("data", "", "Inline JSON address map")
		budget      = flag.Duration("budget", time.Millisecond, "Evaluation time budget (0 = unbounded)")
		list        = flag.Bool("list", false, "List rules and addresses and exit")
		verbose     = flag.Bool("v", false, "Debug logging")
		metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address (interactive mode)")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if !*interactive && !*list && *inputFile == "" && *inputJSON == "" {
		fmt.Fprintln(os.Stderr, "Usage: parapet-run [-rules <file>] -data '{\"address\": value}' [-budget 1ms]")
		fmt.Fprintln(os.Stderr, "       parapet-run [-rules <file>] -input <file.json>")
		fmt.Fprintln(os.Stderr, "       parapet-run [-rules <file>] -list")
		fmt.Fprintln(os.Stderr, "       parapet-run [-rules <file>] -i  (interactive mode)")
		os.Exit(1)
	}

	if err := run(*rulesFile, *inputFile, *inputJSON, *metricsAddr, *budget, *list, *verbose, *interactive); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(rulesFile, inputFile, inputJSON, metricsAddr string, budget time.Duration, list, verbose, interactive bool) error {
	cfg := parapet.DefaultConfig()
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer log.Sync()
		cfg.Logger = log
	}

	doc, source, err := loadRuleset(rulesFile)
	if err != nil {
		return err
	}

	builder, err := parapet.NewBuilder(cfg)
	if err != nil {
		return fmt.Errorf("create builder: %w", err)
	}
	defer builder.Close()

	diag, err := builder.AddConfig(source, doc)
	if err != nil {
		return fmt.Errorf("load ruleset: %w", err)
	}
	handle, ok := builder.Build()
	if !ok {
		return fmt.Errorf("ruleset contains no usable rules")
	}
	defer handle.Close()

	fmt.Printf("Ruleset: %s\n", source)
	if v := diag.RulesetVersion(); v != "" {
		fmt.Printf("Version: %s\n", v)
	}
	fmt.Printf("Rules: %d loaded, %d failed, %d skipped\n",
		len(diag.Loaded()), len(diag.Failed()), len(diag.Skipped()))
	for msg, ids := range diag.Errors() {
		fmt.Printf("  %s: %v\n", msg, ids)
	}

	if list {
		fmt.Printf("\nRules:\n")
		for _, id := range handle.RuleIDs() {
			fmt.Printf("  %s\n", id)
		}
		fmt.Printf("\nAddresses:\n")
		for _, addr := range handle.KnownAddresses() {
			fmt.Printf("  %s\n", addr)
		}
		fmt.Printf("\nActions:\n")
		for _, a := range handle.KnownActions() {
			fmt.Printf("  %s\n", a)
		}
		return nil
	}

	if interactive {
		metrics := telemetry.NewMetrics(nil)
		metrics.RecordBuild(true, len(handle.RuleIDs()))
		if metricsAddr != "" {
			go serveMetrics(metricsAddr)
		}
		return runInteractive(handle, source, budget, metrics)
	}

	input, err := loadInput(inputFile, inputJSON)
	if err != nil {
		return err
	}

	ctx, err := handle.NewContext()
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	defer ctx.Close()

	res, err := ctx.Run(parapet.RunInput{Ephemeral: input}, budget)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return printResult(res)
}

func loadRuleset(path string) (object.Object, string, error) {
	if path == "" {
		doc, err := ruleset.Recommended()
		return doc, "bundled", err
	}
	doc, err := ruleset.FromFile(path)
	return doc, path, err
}

func loadInput(inputFile, inputJSON string) (map[string]any, error) {
	var data []byte
	switch {
	case inputJSON != "":
		data = []byte(inputJSON)
	case inputFile != "":
		var err error
		data, err = os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}

	doc, err := object.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if doc.Kind() != object.KindMap {
		return nil, fmt.Errorf("input must be a JSON object mapping addresses to values")
	}
	input := make(map[string]any, doc.Len())
	for _, e := range doc.Entries() {
		input[string(e.Key)] = e.Value
	}
	return input, nil
}

func printResult(res *parapet.Result) error {
	fmt.Printf("\nMatched: %v\n", res.Match())
	fmt.Printf("Timeout: %v\n", res.TimedOut)
	fmt.Printf("Duration: %s\n", res.Duration)
	if !res.Truncations.Empty() {
		fmt.Printf("Truncations:\n")
		for reason, sizes := range res.Truncations {
			fmt.Printf("  %s: %d\n", reason, len(sizes))
		}
	}

	for _, ev := range res.Events {
		fmt.Printf("\nRule %s (%s)\n", ev.Rule.ID, ev.Rule.Name)
		for _, m := range ev.Matches {
			fmt.Printf("  %s %q at %s%v\n", m.Operator, m.OperatorValue, m.Address, m.KeyPath)
			fmt.Printf("    value: %s\n", m.Value)
		}
	}

	if len(res.Actions) > 0 {
		fmt.Printf("\nActions:\n")
		for typ, params := range res.Actions {
			data, err := json.Marshal(params)
			if err != nil {
				return err
			}
			fmt.Printf("  %s: %s\n", typ, data)
		}
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
	}
}
