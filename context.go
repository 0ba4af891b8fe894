package parapet

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parapet-dev/parapet/encoder"
	"github.com/parapet-dev/parapet/engine"
	"github.com/parapet-dev/parapet/errors"
	"github.com/parapet-dev/parapet/object"
)

// RunInput carries the address maps for a single Run call. Persistent
// entries accumulate in the context across calls; ephemeral entries are
// dropped when the call returns.
type RunInput struct {
	Persistent map[string]any
	Ephemeral  map[string]any
}

// Context is a single evaluation session against a Handle. A context is not
// safe for concurrent Run calls: it serves one evaluation stream, typically
// one request. Create one context per stream instead of sharing.
type Context struct {
	handle *Handle
	token  engine.Token
	id     string
	bound  map[string]bool

	running atomic.Bool
	closed  atomic.Bool
}

// ID returns the context's unique identifier, also carried in debug logs.
func (c *Context) ID() string { return c.id }

// Run encodes the input maps and evaluates the handle's rules against them.
// A positive budget bounds the engine's evaluation time; when it expires the
// result carries TimedOut and whatever events were gathered, not an error. A
// zero or negative budget means unbounded.
//
// Persistent addresses bind once: supplying an address that an earlier call
// on this context already bound is an error.
func (c *Context) Run(input RunInput, budget time.Duration) (*Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, errors.Lifecycle(errors.PhaseRun, "concurrent run on context")
	}
	defer c.running.Store(false)
	// Checked under the running flag so Close cannot slip in between the
	// check and the engine call.
	if c.closed.Load() {
		return nil, errors.Lifecycle(errors.PhaseRun, "run on closed context")
	}

	for addr := range input.Persistent {
		if c.bound[addr] {
			return nil, errors.New(errors.PhaseRun, errors.KindLifecycle).
				Address(addr).
				Detail("persistent address already bound on this context").
				Build()
		}
	}

	enc := encoder.New(c.handle.limits)
	persistent, err := encodeAddressMap(enc, input.Persistent)
	if err != nil {
		return nil, err
	}
	ephemeral, err := encodeAddressMap(enc, input.Ephemeral)
	if err != nil {
		return nil, err
	}

	// The engine counts time in whole microseconds; sub-microsecond
	// remainders are dropped.
	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget.Truncate(time.Microsecond))
	}

	out, err := c.handle.table.Run(c.token, persistent, ephemeral, deadline)
	if err != nil {
		return nil, err
	}
	for addr := range input.Persistent {
		c.bound[addr] = true
	}

	res := decodeResult(out)
	res.Truncations = enc.Truncations()
	c.handle.log.Debug("run completed",
		zap.String("context_id", c.id),
		zap.Int("events", len(res.Events)),
		zap.Bool("timeout", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// Close releases the context and drops every ephemeral object it still
// references. Close is idempotent and must be called exactly once per
// context to release its reference on the handle. A Close issued while a Run
// is in flight on another goroutine waits for that run to return before the
// engine state is torn down.
func (c *Context) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for c.running.Load() {
		runtime.Gosched()
	}
	c.handle.table.ContextDestroy(c.token)
	c.handle.release()
}

// encodeAddressMap converts a Go address map into an engine object map.
// Pre-built objects pass through by deep copy; everything else goes through
// the encoder under the handle's limits.
func encodeAddressMap(enc *encoder.Encoder, in map[string]any) (object.Object, error) {
	if len(in) == 0 {
		return object.Map(), nil
	}
	entries := make([]object.Entry, 0, len(in))
	for addr, value := range in {
		var (
			obj object.Object
			err error
		)
		switch v := value.(type) {
		case object.Object:
			obj = v.Clone()
		case *object.Object:
			if v == nil {
				obj = object.Null()
			} else {
				obj = v.Clone()
			}
		default:
			obj, _, err = enc.Encode(value)
			if err != nil {
				return object.Object{}, errors.New(errors.PhaseEncode, errors.KindUnsupported).
					Address(addr).
					Cause(err).
					Detail("address value could not be encoded").
					Build()
			}
		}
		entries = append(entries, object.Pair(addr, obj))
	}
	return object.Map(entries...), nil
}
