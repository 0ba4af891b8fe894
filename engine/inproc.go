package engine

import (
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parapet-dev/parapet/errors"
	"github.com/parapet-dev/parapet/object"
)

// InProcess returns the function table of the built-in pure Go engine. It
// implements the full ABI surface in-process: ruleset staging and builds,
// regex and phrase operators, match events, obfuscation and deadlines.
func InProcess() *Table {
	e := &inproc{
		builders: make(map[Token]*inprocBuilder),
		handles:  make(map[Token]*inprocHandle),
		contexts: make(map[Token]*inprocContext),
	}
	return &Table{
		Name:                "inproc",
		Version:             ABIVersion,
		BuilderInit:         e.builderInit,
		BuilderAddConfig:    e.builderAddConfig,
		BuilderRemoveConfig: e.builderRemoveConfig,
		BuilderBuild:        e.builderBuild,
		BuilderDestroy:      e.builderDestroy,
		HandleDiagnostics:   e.handleDiagnostics,
		KnownAddresses:      e.knownAddresses,
		KnownActions:        e.knownActions,
		HandleDestroy:       e.handleDestroy,
		ContextInit:         e.contextInit,
		Run:                 e.run,
		ContextDestroy:      e.contextDestroy,
	}
}

type inproc struct {
	mu       sync.Mutex
	next     Token
	builders map[Token]*inprocBuilder
	handles  map[Token]*inprocHandle
	contexts map[Token]*inprocContext
}

type stagedConfig struct {
	path string
	cfg  *compiledConfig
	diag *configDiagnostics
}

type inprocBuilder struct {
	obf    obfuscator
	staged []stagedConfig
	diags  []object.Object // owned by the builder until it is destroyed
}

type inprocHandle struct {
	rules       []rule
	actions     map[string]actionSpec
	diagnostics object.Object
	addresses   []string
	actionTypes []string
	obf         obfuscator
}

type inprocContext struct {
	mu         sync.Mutex
	handle     *inprocHandle
	persistent map[string]object.Object
	matched    map[string]bool
}

func (e *inproc) issue() Token {
	e.next++
	return e.next
}

func (e *inproc) builderInit(settings object.Object) (Token, error) {
	obf, err := parseObfuscator(settings)
	if err != nil {
		return NoToken, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	tok := e.issue()
	e.builders[tok] = &inprocBuilder{obf: obf}
	Logger().Debug("builder created", zap.Uint64("builder", uint64(tok)))
	return tok, nil
}

func parseObfuscator(settings object.Object) (obfuscator, error) {
	var obf obfuscator
	cfg, ok := settings.GetString("obfuscator")
	if !ok {
		return obf, nil
	}
	if v, ok := cfg.GetString("key_regex"); ok {
		src, _ := v.StringValue()
		if src != "" {
			re, err := regexp.Compile(src)
			if err != nil {
				return obf, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "obfuscator key regex")
			}
			obf.keyRe = re
		}
	}
	if v, ok := cfg.GetString("value_regex"); ok {
		src, _ := v.StringValue()
		if src != "" {
			re, err := regexp.Compile(src)
			if err != nil {
				return obf, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "obfuscator value regex")
			}
			obf.valueRe = re
		}
	}
	return obf, nil
}

func (e *inproc) builderAddConfig(tok Token, path string, ruleset object.Object) (object.Object, bool) {
	e.mu.Lock()
	b, ok := e.builders[tok]
	e.mu.Unlock()
	if !ok {
		return object.Invalid(), false
	}

	cfg, diag, parsed := parseRuleset(ruleset)
	diagObj := diag.object()

	if !parsed {
		Logger().Debug("config rejected", zap.String("path", path))
		b.diags = append(b.diags, diagObj)
		return diagObj, false
	}

	staged := stagedConfig{path: path, cfg: cfg, diag: diag}
	replaced := false
	for i := range b.staged {
		if b.staged[i].path == path {
			b.staged[i] = staged
			replaced = true
			break
		}
	}
	if !replaced {
		b.staged = append(b.staged, staged)
	}
	b.diags = append(b.diags, diagObj)
	Logger().Debug("config staged",
		zap.String("path", path),
		zap.Int("loaded", len(diag.loaded)),
		zap.Int("failed", len(diag.failed)))
	return diagObj, true
}

func (e *inproc) builderRemoveConfig(tok Token, path string) bool {
	e.mu.Lock()
	b, ok := e.builders[tok]
	e.mu.Unlock()
	if !ok {
		return false
	}
	for i := range b.staged {
		if b.staged[i].path == path {
			b.staged = append(b.staged[:i], b.staged[i+1:]...)
			return true
		}
	}
	return false
}

func (e *inproc) builderBuild(tok Token) (Token, bool) {
	e.mu.Lock()
	b, ok := e.builders[tok]
	e.mu.Unlock()
	if !ok {
		return NoToken, false
	}

	h := &inprocHandle{
		actions: make(map[string]actionSpec),
		obf:     b.obf,
	}
	for _, a := range defaultActions() {
		h.actions[a.id] = a
	}

	merged := &configDiagnostics{}
	for _, sc := range b.staged {
		h.rules = append(h.rules, sc.cfg.rules...)
		for _, a := range sc.cfg.actions {
			h.actions[a.id] = a
		}
		if sc.cfg.version != "" {
			merged.rulesetVersion = sc.cfg.version
		}
		merged.loaded = append(merged.loaded, sc.diag.loaded...)
		merged.failed = append(merged.failed, sc.diag.failed...)
		merged.skipped = append(merged.skipped, sc.diag.skipped...)
		for msg, ids := range sc.diag.errors {
			if merged.errors == nil {
				merged.errors = make(map[string][]string)
			}
			merged.errors[msg] = append(merged.errors[msg], ids...)
		}
	}

	if len(h.rules) == 0 {
		Logger().Debug("build produced no usable rules", zap.Uint64("builder", uint64(tok)))
		return NoToken, false
	}

	h.diagnostics = merged.object()
	h.addresses = collectAddresses(h.rules)
	h.actionTypes = collectActionTypes(h.rules, h.actions)

	e.mu.Lock()
	defer e.mu.Unlock()
	handleTok := e.issue()
	e.handles[handleTok] = h
	Logger().Debug("handle built",
		zap.Uint64("handle", uint64(handleTok)),
		zap.Int("rules", len(h.rules)))
	return handleTok, true
}

func collectAddresses(rules []rule) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range rules {
		for j := range rules[i].conditions {
			for _, in := range rules[i].conditions[j].inputs {
				if !seen[in.address] {
					seen[in.address] = true
					out = append(out, in.address)
				}
			}
		}
	}
	return out
}

func collectActionTypes(rules []rule, actions map[string]actionSpec) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range rules {
		for _, id := range rules[i].onMatch {
			a, ok := actions[id]
			if !ok || seen[a.typ] {
				continue
			}
			seen[a.typ] = true
			out = append(out, a.typ)
		}
	}
	return out
}

func (e *inproc) builderDestroy(tok Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.builders, tok)
}

func (e *inproc) handleDiagnostics(tok Token) object.Object {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handles[tok]; ok {
		return h.diagnostics
	}
	return object.Invalid()
}

func (e *inproc) knownAddresses(tok Token) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handles[tok]; ok {
		return h.addresses
	}
	return nil
}

func (e *inproc) knownActions(tok Token) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handles[tok]; ok {
		return h.actionTypes
	}
	return nil
}

func (e *inproc) handleDestroy(tok Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Contexts hold their own reference to the handle state, so dropping
	// the token does not tear live contexts down.
	delete(e.handles, tok)
}

func (e *inproc) contextInit(tok Token) (Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[tok]
	if !ok {
		return NoToken, errors.NotFound(errors.PhaseRun, "handle", "context init")
	}
	ctxTok := e.issue()
	e.contexts[ctxTok] = &inprocContext{
		handle:     h,
		persistent: make(map[string]object.Object),
		matched:    make(map[string]bool),
	}
	return ctxTok, nil
}

func (e *inproc) contextDestroy(tok Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, tok)
}

func (e *inproc) run(tok Token, persistent, ephemeral object.Object, deadline time.Time) (object.Object, error) {
	e.mu.Lock()
	c, ok := e.contexts[tok]
	e.mu.Unlock()
	if !ok {
		return object.Invalid(), errors.NotFound(errors.PhaseRun, "context", "run")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateInput(persistent); err != nil {
		return object.Invalid(), err
	}
	if err := validateInput(ephemeral); err != nil {
		return object.Invalid(), err
	}
	if persistent.Len() == 0 && ephemeral.Len() == 0 && len(c.persistent) == 0 {
		return object.Invalid(), errors.InvalidArgument(errors.PhaseRun, "no input addresses")
	}

	start := time.Now()
	for _, entry := range persistent.Entries() {
		c.persistent[string(entry.Key)] = entry.Value.Clone()
	}

	store := make(map[string]object.Object, len(c.persistent)+ephemeral.Len())
	for addr, val := range c.persistent {
		store[addr] = val
	}
	for _, entry := range ephemeral.Entries() {
		store[string(entry.Key)] = entry.Value
	}

	dl := evalDeadline{at: deadline}
	var events []object.Object
	actionEntries := []object.Entry{}
	actionSeen := make(map[string]bool)
	timedOut := false

	for i := range c.handle.rules {
		r := &c.handle.rules[i]
		if c.matched[r.id] {
			continue
		}
		if dl.expired() {
			timedOut = true
			break
		}
		details, matched, expired := evalRule(r, store, dl)
		if expired {
			timedOut = true
			break
		}
		if !matched {
			continue
		}
		c.matched[r.id] = true
		events = append(events, eventObject(r, details, c.handle.obf))
		for _, id := range r.onMatch {
			a, ok := c.handle.actions[id]
			if !ok || actionSeen[a.typ] {
				continue
			}
			actionSeen[a.typ] = true
			actionEntries = append(actionEntries, object.Pair(a.typ, a.params.Clone()))
		}
	}

	return object.Map(
		object.Pair(OutputKeyTimeout, object.Bool(timedOut)),
		object.Pair(OutputKeyKeep, object.Bool(len(events) > 0)),
		object.Pair(OutputKeyDuration, object.Unsigned(uint64(time.Since(start).Nanoseconds()))),
		object.Pair(OutputKeyEvents, object.Array(events...)),
		object.Pair(OutputKeyActions, object.Map(actionEntries...)),
		object.Pair(OutputKeyAttributes, object.Map()),
	), nil
}

func validateInput(o object.Object) error {
	if !o.IsValid() {
		return nil
	}
	if o.Kind() != object.KindMap {
		return errors.InvalidObject(errors.PhaseRun, "input data must be a map of addresses")
	}
	return nil
}
