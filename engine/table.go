package engine

import (
	"time"

	"github.com/parapet-dev/parapet/errors"
	"github.com/parapet-dev/parapet/object"
)

// ABIVersion is the binary interface revision this library speaks. An engine
// advertising a different version is rejected at attach time.
const ABIVersion uint32 = 1

// Token is an opaque reference to an engine-owned resource: a builder, a
// handle or a context. Tokens are only meaningful to the table that issued
// them.
type Token uint64

// NoToken is the zero token, never issued for a live resource.
const NoToken Token = 0

// RunOutput map keys, as produced by Table.Run.
const (
	OutputKeyTimeout    = "timeout"
	OutputKeyKeep       = "keep"
	OutputKeyDuration   = "duration"
	OutputKeyEvents     = "events"
	OutputKeyActions    = "actions"
	OutputKeyAttributes = "attributes"
)

// Table is the engine's function table. It is the complete surface the
// wrapper calls through: every field must be populated and the version must
// match before any other entry is invoked.
//
// Entries never panic across the boundary. Failures come back as errors or
// as zero tokens, and every object returned by the engine is owned by the
// engine: callers copy what they need before the producing resource is
// destroyed.
type Table struct {
	// Name identifies the engine implementation, for logs only.
	Name string

	// Version is the engine's ABI revision.
	Version uint32

	// BuilderInit creates a builder from a settings map (limits and
	// obfuscator configuration).
	BuilderInit func(settings object.Object) (Token, error)

	// BuilderAddConfig stages or replaces the configuration at path.
	// The returned diagnostics object is engine-owned. ok is false when
	// the configuration was rejected entirely.
	BuilderAddConfig func(builder Token, path string, ruleset object.Object) (diagnostics object.Object, ok bool)

	// BuilderRemoveConfig unstages the configuration at path.
	BuilderRemoveConfig func(builder Token, path string) bool

	// BuilderBuild produces a handle from the staged configuration. ok is
	// false when nothing usable was staged.
	BuilderBuild func(builder Token) (handle Token, ok bool)

	// BuilderDestroy releases a builder. Handles built from it survive.
	BuilderDestroy func(builder Token)

	// HandleDiagnostics returns the engine-owned diagnostics of the last
	// build that produced this handle.
	HandleDiagnostics func(handle Token) object.Object

	// KnownAddresses lists the input addresses the handle's rules read.
	KnownAddresses func(handle Token) []string

	// KnownActions lists the action types the handle's rules can trigger.
	KnownActions func(handle Token) []string

	// HandleDestroy releases a handle. Live contexts keep it alive
	// internally until they are destroyed themselves.
	HandleDestroy func(handle Token)

	// ContextInit creates an evaluation context bound to a handle.
	ContextInit func(handle Token) (Token, error)

	// Run evaluates the handle's rules against the persistent and
	// ephemeral input maps. Persistent data outlives the call; ephemeral
	// data is dropped when the call returns. A zero deadline means no
	// time bound. The returned output map is engine-owned.
	Run func(context Token, persistent, ephemeral object.Object, deadline time.Time) (object.Object, error)

	// ContextDestroy releases a context and every ephemeral object it
	// still references.
	ContextDestroy func(context Token)
}

// Validate checks that the table is complete and speaks our ABI revision.
func (t *Table) Validate() error {
	if t == nil {
		return errors.InvalidInput(errors.PhaseLoad, "nil engine table")
	}
	if t.Version != ABIVersion {
		return errors.ABIMismatch(t.Version, ABIVersion)
	}
	missing := ""
	switch {
	case t.BuilderInit == nil:
		missing = "BuilderInit"
	case t.BuilderAddConfig == nil:
		missing = "BuilderAddConfig"
	case t.BuilderRemoveConfig == nil:
		missing = "BuilderRemoveConfig"
	case t.BuilderBuild == nil:
		missing = "BuilderBuild"
	case t.BuilderDestroy == nil:
		missing = "BuilderDestroy"
	case t.HandleDiagnostics == nil:
		missing = "HandleDiagnostics"
	case t.KnownAddresses == nil:
		missing = "KnownAddresses"
	case t.KnownActions == nil:
		missing = "KnownActions"
	case t.HandleDestroy == nil:
		missing = "HandleDestroy"
	case t.ContextInit == nil:
		missing = "ContextInit"
	case t.Run == nil:
		missing = "Run"
	case t.ContextDestroy == nil:
		missing = "ContextDestroy"
	}
	if missing != "" {
		return errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Detail("engine table is missing %s", missing).
			Build()
	}
	return nil
}
