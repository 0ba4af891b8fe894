package parapet

import (
	"sync"

	"go.uber.org/zap"

	"github.com/parapet-dev/parapet/engine"
	"github.com/parapet-dev/parapet/errors"
	"github.com/parapet-dev/parapet/object"
)

// Builder stages ruleset configurations and compiles them into Handles.
// Staging is single-writer: concurrent mutation needs external
// synchronization. Build may be called repeatedly; every Handle it returns
// is an independent snapshot unaffected by later staging.
type Builder struct {
	mu     sync.Mutex
	cfg    Config
	table  *engine.Table
	token  engine.Token
	paths  []string
	log    *zap.Logger
	closed bool
}

// NewBuilder validates the engine table and creates an empty builder. A nil
// Config.Engine selects the built-in in-process engine.
func NewBuilder(cfg Config) (*Builder, error) {
	table := cfg.Engine
	if table == nil {
		table = engine.InProcess()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cfg.Limits = cfg.Limits.Normalized()
	token, err := table.BuilderInit(cfg.settings())
	if err != nil {
		return nil, err
	}

	log.Debug("builder initialized", zap.String("engine", table.Name))
	return &Builder{
		cfg:   cfg,
		table: table,
		token: token,
		log:   log,
	}, nil
}

// AddConfig stages the ruleset document under path, replacing whatever was
// staged there before. The returned Diagnostics reports per-rule acceptance;
// partially broken documents are the norm and stage their usable rules. The
// error is non-nil only when the document as a whole was unusable or the
// builder is closed; the Diagnostics is valid either way.
func (b *Builder) AddConfig(path string, doc object.Object) (Diagnostics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Diagnostics{}, errors.Lifecycle(errors.PhaseConfig, "add config on closed builder")
	}

	engineDiag, ok := b.table.BuilderAddConfig(b.token, path, doc)
	diag := newDiagnostics(engineDiag)
	if !ok {
		b.log.Warn("configuration rejected", zap.String("path", path))
		return diag, errors.InvalidData(errors.PhaseConfig, nil, "configuration rejected by engine")
	}

	known := false
	for _, p := range b.paths {
		if p == path {
			known = true
			break
		}
	}
	if !known {
		b.paths = append(b.paths, path)
	}

	b.log.Debug("configuration staged",
		zap.String("path", path),
		zap.Int("loaded", len(diag.Loaded())),
		zap.Int("failed", len(diag.Failed())))
	return diag, nil
}

// RemoveConfig unstages the configuration at path and reports whether it was
// staged at all.
func (b *Builder) RemoveConfig(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if !b.table.BuilderRemoveConfig(b.token, path) {
		return false
	}
	for i, p := range b.paths {
		if p == path {
			b.paths = append(b.paths[:i], b.paths[i+1:]...)
			break
		}
	}
	return true
}

// ConfigPaths returns the staged configuration paths in staging order.
func (b *Builder) ConfigPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

// Build compiles the staged configuration into an immutable Handle. ok is
// false when the staged rulesets contain no usable rules; that is a valid
// outcome, not an error.
func (b *Builder) Build() (*Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}

	token, ok := b.table.BuilderBuild(b.token)
	if !ok {
		return nil, false
	}

	// Engine-owned metadata is copied out now; it is not guaranteed to
	// outlive the next builder mutation.
	diag := newDiagnostics(b.table.HandleDiagnostics(token))
	h := &Handle{
		table:     b.table,
		token:     token,
		limits:    b.cfg.Limits,
		diag:      diag,
		addresses: append([]string(nil), b.table.KnownAddresses(token)...),
		actions:   append([]string(nil), b.table.KnownActions(token)...),
		ruleIDs:   diag.Loaded(),
		log:       b.log,
	}
	h.refs.Store(1)

	b.log.Debug("handle built",
		zap.Int("rules", len(h.ruleIDs)),
		zap.Int("addresses", len(h.addresses)))
	return h, true
}

// Close releases the builder's engine state. Handles already built survive.
// Close is idempotent.
func (b *Builder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.table.BuilderDestroy(b.token)
}
