// Package engine defines the function-table boundary to the rule engine and
// ships two implementations of it.
//
// # Function Table
//
// The engine surface is a Table: a struct of function fields mirroring a
// C-style function table. Every resource the engine owns (builder, handle,
// context) is referenced through an opaque Token, and the Table's Version is
// checked against ABIVersion before anything else is called. Calls across the
// table never panic; failures come back as structured errors or zero tokens.
//
// # Ownership
//
// Objects returned by the engine (diagnostics, run output) are engine-owned.
// They stay valid only while the producing resource lives, so callers clone
// whatever they need to keep. Input objects handed to Run transfer to the
// engine for the duration of the call: persistent data is retained by the
// context, ephemeral data is dropped when the call returns.
//
// # Implementations
//
//	InProcess - the built-in pure Go evaluator: regex, phrase and exact
//	            match operators, match events, obfuscation, deadlines.
//	LoadWASM  - hosts a WebAssembly build of the engine through wazero,
//	            exchanging values as JSON in guest memory.
//
// # Thread Safety
//
// Tables are safe for concurrent use across resources. A single context is
// meant for one evaluation stream; the wrapper package serializes access to
// it.
package engine
