package parapet

import (
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parapet-dev/parapet/encoder"
	"github.com/parapet-dev/parapet/engine"
	"github.com/parapet-dev/parapet/errors"
)

// Handle is a compiled, immutable ruleset. It is safe to share across
// goroutines: nothing can mutate it after Build. The handle's engine state
// is reference counted so that live Contexts keep it valid after Close.
type Handle struct {
	table     *engine.Table
	token     engine.Token
	limits    encoder.Limits
	diag      Diagnostics
	addresses []string
	actions   []string
	ruleIDs   []string
	log       *zap.Logger

	refs   atomic.Int64
	closed atomic.Bool
}

// Diagnostics returns the compilation report of the build that produced this
// handle.
func (h *Handle) Diagnostics() Diagnostics { return h.diag }

// KnownAddresses lists the input addresses the compiled rules can consume.
func (h *Handle) KnownAddresses() []string {
	return append([]string(nil), h.addresses...)
}

// KnownActions lists the action types the compiled rules can trigger.
func (h *Handle) KnownActions() []string {
	return append([]string(nil), h.actions...)
}

// RuleIDs lists the loaded rules in compilation order.
func (h *Handle) RuleIDs() []string {
	return append([]string(nil), h.ruleIDs...)
}

// NewContext opens an evaluation session against the handle. Contexts may be
// created concurrently; each one serves a single evaluation stream.
func (h *Handle) NewContext() (*Context, error) {
	if !h.retain() {
		return nil, errors.Lifecycle(errors.PhaseRun, "new context on closed handle")
	}
	token, err := h.table.ContextInit(h.token)
	if err != nil {
		h.release()
		return nil, err
	}
	id := uuid.NewString()
	h.log.Debug("context created", zap.String("context_id", id))
	return &Context{
		handle: h,
		token:  token,
		id:     id,
		bound:  make(map[string]bool),
	}, nil
}

// Close releases the caller's reference to the handle. Engine state is torn
// down once every context created from the handle is closed too. Close is
// idempotent.
func (h *Handle) Close() {
	if h.closed.CompareAndSwap(false, true) {
		h.release()
	}
}

// retain takes a reference unless the count already hit zero.
func (h *Handle) retain() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *Handle) release() {
	if h.refs.Add(-1) == 0 {
		h.table.HandleDestroy(h.token)
		h.log.Debug("handle released")
	}
}
