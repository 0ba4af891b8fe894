// Package parapet is a safe boundary layer over an in-app WAF rule engine.
//
// The engine itself is a black box reached through a versioned function
// table; this package owns everything on the caller's side of that line:
// value encoding, configuration staging, handle and context lifetimes, and
// result decoding.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	parapet/          Root package: Builder, Handle, Context, Result lifecycle
//	├── object/       Tagged-union value model exchanged with the engine
//	├── encoder/      Lossy, limit-bounded conversion of Go values to objects
//	├── engine/       Function-table ABI plus the in-process and WASM engines
//	├── ruleset/      JSON and YAML ruleset documents, bundled starter rules
//	├── errors/       Structured error types for debugging
//	└── telemetry/    Prometheus metrics for builds, runs and truncations
//
// # Quick Start
//
// Build a handle from a ruleset and evaluate a request:
//
//	builder, err := parapet.NewBuilder(parapet.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer builder.Close()
//
//	doc, _ := ruleset.FromJSON(rulesJSON)
//	if _, err := builder.AddConfig("default", doc); err != nil {
//	    log.Fatal(err)
//	}
//	handle, ok := builder.Build()
//	if !ok {
//	    log.Fatal("no usable rules")
//	}
//	defer handle.Close()
//
//	ctx, err := handle.NewContext()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
//	res, err := ctx.Run(parapet.RunInput{
//	    Persistent: map[string]any{
//	        "server.request.headers.no_cookies": headers,
//	    },
//	}, time.Millisecond)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if res.Match() {
//	    // block, log, tag...
//	}
//
// # Lifecycle
//
// Builder staging is mutable and single-writer. Build compiles the staged
// configuration into an immutable Handle; the Handle is safe to share across
// goroutines and survives later Builder mutation. Contexts are per-session:
// one evaluation stream each, persistent data accumulating across Run calls
// until Close. Every resource releases its engine state exactly once, and
// Close is idempotent everywhere.
package parapet
