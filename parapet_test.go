package parapet

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parapet-dev/parapet/engine"
	waferrors "github.com/parapet-dev/parapet/errors"
	"github.com/parapet-dev/parapet/object"
)

func isLifecycleErr(err error) bool {
	return errors.Is(err, &waferrors.Error{Phase: waferrors.PhaseRun, Kind: waferrors.KindLifecycle})
}

const scannerRuleset = `{
	"version": "2.2",
	"metadata": {"rules_version": "1.4.2"},
	"rules": [{
		"id": "ua-scanner",
		"name": "Scanner user agent",
		"tags": {"type": "security_scanner", "category": "attack_attempt"},
		"conditions": [{
			"operator": "match_regex",
			"parameters": {
				"inputs": [{"address": "server.request.headers.no_cookies", "key_path": ["user-agent"]}],
				"regex": "Arachni"
			}
		}],
		"on_match": ["block"]
	}]
}`

const credentialRuleset = `{
	"rules": [{
		"id": "leaked-credential",
		"name": "Credential in body",
		"tags": {"type": "credential_leak"},
		"conditions": [{
			"operator": "match_regex",
			"parameters": {
				"inputs": [{"address": "server.request.body", "key_path": ["password"]}],
				"regex": "hunter2"
			}
		}]
	}]
}`

func mustDoc(t *testing.T, src string) object.Object {
	t.Helper()
	doc, err := object.FromJSON([]byte(src))
	if err != nil {
		t.Fatalf("parse ruleset: %v", err)
	}
	return doc
}

func buildHandle(t *testing.T, rulesets ...string) *Handle {
	t.Helper()
	b, err := NewBuilder(DefaultConfig())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	defer b.Close()
	for i, src := range rulesets {
		if _, err := b.AddConfig(string(rune('a'+i))+"/rules", mustDoc(t, src)); err != nil {
			t.Fatalf("AddConfig: %v", err)
		}
	}
	h, ok := b.Build()
	if !ok {
		t.Fatal("Build returned no handle")
	}
	t.Cleanup(h.Close)
	return h
}

func scannerInput(ua string) map[string]any {
	return map[string]any{
		"server.request.headers.no_cookies": map[string]string{"user-agent": ua},
	}
}

func TestBuilderLifecycle(t *testing.T) {
	t.Run("build without config", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		if err != nil {
			t.Fatalf("NewBuilder: %v", err)
		}
		defer b.Close()
		if h, ok := b.Build(); ok {
			h.Close()
			t.Fatal("expected no handle from empty builder")
		}
	})

	t.Run("closed builder rejects staging", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		if err != nil {
			t.Fatalf("NewBuilder: %v", err)
		}
		b.Close()
		b.Close() // idempotent

		if _, err := b.AddConfig("x", mustDoc(t, scannerRuleset)); !errors.Is(err, &waferrors.Error{Phase: waferrors.PhaseConfig, Kind: waferrors.KindLifecycle}) {
			t.Fatalf("expected lifecycle error, got %v", err)
		}
		if _, ok := b.Build(); ok {
			t.Fatal("Build succeeded on closed builder")
		}
	})

	t.Run("config paths track staging", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		if err != nil {
			t.Fatalf("NewBuilder: %v", err)
		}
		defer b.Close()

		if _, err := b.AddConfig("base/rules", mustDoc(t, scannerRuleset)); err != nil {
			t.Fatalf("AddConfig: %v", err)
		}
		if _, err := b.AddConfig("base/rules", mustDoc(t, scannerRuleset)); err != nil {
			t.Fatalf("AddConfig replace: %v", err)
		}
		if got := b.ConfigPaths(); len(got) != 1 || got[0] != "base/rules" {
			t.Fatalf("ConfigPaths = %v", got)
		}
		if !b.RemoveConfig("base/rules") {
			t.Fatal("RemoveConfig returned false for staged path")
		}
		if b.RemoveConfig("base/rules") {
			t.Fatal("RemoveConfig returned true for unstaged path")
		}
		if got := b.ConfigPaths(); len(got) != 0 {
			t.Fatalf("ConfigPaths after removal = %v", got)
		}
	})

	t.Run("rejected document returns diagnostics and error", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		if err != nil {
			t.Fatalf("NewBuilder: %v", err)
		}
		defer b.Close()

		_, err = b.AddConfig("bad", mustDoc(t, `{"version": "2.2"}`))
		if !errors.Is(err, &waferrors.Error{Phase: waferrors.PhaseConfig, Kind: waferrors.KindInvalidData}) {
			t.Fatalf("expected invalid data error, got %v", err)
		}
		if got := b.ConfigPaths(); len(got) != 0 {
			t.Fatalf("rejected path was tracked: %v", got)
		}
	})
}

func TestHandleMetadata(t *testing.T) {
	h := buildHandle(t, scannerRuleset)

	d := h.Diagnostics()
	if got := d.RulesetVersion(); got != "1.4.2" {
		t.Fatalf("RulesetVersion = %q", got)
	}
	if got := d.Loaded(); len(got) != 1 || got[0] != "ua-scanner" {
		t.Fatalf("Loaded = %v", got)
	}
	if got := h.RuleIDs(); len(got) != 1 || got[0] != "ua-scanner" {
		t.Fatalf("RuleIDs = %v", got)
	}
	if got := h.KnownAddresses(); len(got) != 1 || got[0] != "server.request.headers.no_cookies" {
		t.Fatalf("KnownAddresses = %v", got)
	}
	if got := h.KnownActions(); len(got) != 1 || got[0] != "block_request" {
		t.Fatalf("KnownActions = %v", got)
	}
}

func TestHandleSnapshotUnaffectedByLaterStaging(t *testing.T) {
	b, err := NewBuilder(DefaultConfig())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	defer b.Close()

	if _, err := b.AddConfig("base", mustDoc(t, scannerRuleset)); err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	first, ok := b.Build()
	if !ok {
		t.Fatal("first Build failed")
	}
	defer first.Close()

	if _, err := b.AddConfig("extra", mustDoc(t, credentialRuleset)); err != nil {
		t.Fatalf("AddConfig extra: %v", err)
	}
	second, ok := b.Build()
	if !ok {
		t.Fatal("second Build failed")
	}
	defer second.Close()

	if got := first.RuleIDs(); len(got) != 1 {
		t.Fatalf("first handle rules = %v", got)
	}
	if got := second.RuleIDs(); len(got) != 2 {
		t.Fatalf("second handle rules = %v", got)
	}

	// The first handle still evaluates with its own snapshot.
	ctx, err := first.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	res, err := ctx.Run(RunInput{Persistent: scannerInput("Arachni/v1")}, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Match() {
		t.Fatal("expected match on first handle")
	}
}

func TestRunMatch(t *testing.T) {
	h := buildHandle(t, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	res, err := ctx.Run(RunInput{Ephemeral: scannerInput("Arachni/v1.5")}, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Match() {
		t.Fatal("expected a match")
	}
	if res.TimedOut {
		t.Fatal("unexpected timeout")
	}
	if !res.Keep {
		t.Fatal("expected keep on match")
	}

	ev := res.Events[0]
	if ev.Rule.ID != "ua-scanner" || ev.Rule.Name != "Scanner user agent" {
		t.Fatalf("rule info = %+v", ev.Rule)
	}
	if ev.Rule.Tags["type"] != "security_scanner" {
		t.Fatalf("tags = %v", ev.Rule.Tags)
	}
	if len(ev.Matches) != 1 {
		t.Fatalf("matches = %+v", ev.Matches)
	}
	m := ev.Matches[0]
	if m.Operator != "match_regex" || m.OperatorValue != "Arachni" {
		t.Fatalf("operator = %q %q", m.Operator, m.OperatorValue)
	}
	if m.Address != "server.request.headers.no_cookies" {
		t.Fatalf("address = %q", m.Address)
	}
	if len(m.KeyPath) != 1 || m.KeyPath[0] != "user-agent" {
		t.Fatalf("key path = %v", m.KeyPath)
	}
	if m.Value != "Arachni/v1.5" {
		t.Fatalf("value = %q", m.Value)
	}
	if len(m.Highlights) != 1 || m.Highlights[0] != "Arachni" {
		t.Fatalf("highlights = %v", m.Highlights)
	}

	params, ok := res.Actions["block_request"]
	if !ok {
		t.Fatalf("actions = %v", res.Actions)
	}
	status, _ := params.GetString("status_code")
	if v, _ := status.Uint64(); v != 403 {
		t.Fatalf("status_code = %v", status)
	}
}

func TestRunNoMatch(t *testing.T) {
	h := buildHandle(t, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	res, err := ctx.Run(RunInput{Ephemeral: scannerInput("Mozilla/5.0")}, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Match() || res.Keep {
		t.Fatalf("unexpected match: %+v", res)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("unexpected actions: %v", res.Actions)
	}
}

func TestRunPersistentAccumulates(t *testing.T) {
	h := buildHandle(t, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	// First call binds an unrelated address; the second supplies the
	// headers and must see the match.
	if _, err := ctx.Run(RunInput{Persistent: map[string]any{
		"server.request.method": "GET",
	}}, time.Second); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	res, err := ctx.Run(RunInput{Persistent: scannerInput("Arachni/v2")}, time.Second)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !res.Match() {
		t.Fatal("expected match from accumulated data")
	}

	// A matched rule reports once per context.
	res, err = ctx.Run(RunInput{Ephemeral: map[string]any{
		"server.request.body": "anything",
	}}, time.Second)
	if err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if res.Match() {
		t.Fatal("rule reported twice on one context")
	}
}

func TestRunRebindPersistentAddress(t *testing.T) {
	h := buildHandle(t, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	if _, err := ctx.Run(RunInput{Persistent: scannerInput("Mozilla")}, time.Second); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err = ctx.Run(RunInput{Persistent: scannerInput("Arachni")}, time.Second)
	if !isLifecycleErr(err) {
		t.Fatalf("expected lifecycle error on rebind, got %v", err)
	}

	// The same address stays usable ephemerally.
	res, err := ctx.Run(RunInput{Ephemeral: scannerInput("Arachni")}, time.Second)
	if err != nil {
		t.Fatalf("ephemeral Run: %v", err)
	}
	if !res.Match() {
		t.Fatal("expected ephemeral match")
	}
}

func TestRunEmptyInput(t *testing.T) {
	h := buildHandle(t, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	if _, err := ctx.Run(RunInput{}, time.Second); !errors.Is(err, waferrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRunUnencodableValue(t *testing.T) {
	h := buildHandle(t, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	_, err = ctx.Run(RunInput{Persistent: map[string]any{
		"server.request.headers.no_cookies": make(chan int),
	}}, time.Second)
	if err == nil {
		t.Fatal("expected encode error")
	}
	var structured *waferrors.Error
	if !errors.As(err, &structured) {
		t.Fatalf("unstructured error: %v", err)
	}
	if structured.Phase != waferrors.PhaseEncode {
		t.Fatalf("phase = %q", structured.Phase)
	}
	if structured.Address != "server.request.headers.no_cookies" {
		t.Fatalf("address = %q", structured.Address)
	}
}

func TestRunObjectPassthrough(t *testing.T) {
	h := buildHandle(t, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	headers := object.Map(object.Pair("user-agent", object.String("Arachni/v3")))
	res, err := ctx.Run(RunInput{Ephemeral: map[string]any{
		"server.request.headers.no_cookies": headers,
	}}, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Match() {
		t.Fatal("expected match from pre-built object")
	}
}

func TestRunTimeoutBudget(t *testing.T) {
	h := buildHandle(t, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	res, err := ctx.Run(RunInput{Ephemeral: scannerInput("Arachni")}, time.Nanosecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected timeout flag")
	}
	if res.Match() {
		t.Fatal("expected no events past the deadline")
	}

	// Zero budget means unbounded.
	ctx2, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx2.Close()
	res, err = ctx2.Run(RunInput{Ephemeral: scannerInput("Arachni")}, 0)
	if err != nil {
		t.Fatalf("unbounded Run: %v", err)
	}
	if res.TimedOut || !res.Match() {
		t.Fatalf("unbounded run = %+v", res)
	}
}

func TestRunTruncationsReported(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxStringLength = 8
	b, err := NewBuilder(cfg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	defer b.Close()
	if _, err := b.AddConfig("rules", mustDoc(t, scannerRuleset)); err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	h, ok := b.Build()
	if !ok {
		t.Fatal("Build failed")
	}
	defer h.Close()

	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	long := strings.Repeat("x", 40)
	res, err := ctx.Run(RunInput{Ephemeral: scannerInput(long)}, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Truncations.Empty() {
		t.Fatal("expected truncation report")
	}
}

func TestRunObfuscation(t *testing.T) {
	h := buildHandle(t, credentialRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	res, err := ctx.Run(RunInput{Ephemeral: map[string]any{
		"server.request.body": map[string]string{"password": "hunter2"},
	}}, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Match() {
		t.Fatal("expected match")
	}
	m := res.Events[0].Matches[0]
	if m.Value != "<Redacted>" {
		t.Fatalf("value = %q, want redacted", m.Value)
	}
	for _, hl := range m.Highlights {
		if hl != "<Redacted>" {
			t.Fatalf("highlight = %q, want redacted", hl)
		}
	}
}

func TestContextLifecycle(t *testing.T) {
	h := buildHandle(t, scannerRuleset)

	t.Run("run after close", func(t *testing.T) {
		ctx, err := h.NewContext()
		if err != nil {
			t.Fatalf("NewContext: %v", err)
		}
		ctx.Close()
		ctx.Close() // idempotent

		if _, err := ctx.Run(RunInput{Ephemeral: scannerInput("x")}, time.Second); !isLifecycleErr(err) {
			t.Fatalf("expected lifecycle error, got %v", err)
		}
	})

	t.Run("context outlives handle close", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		if err != nil {
			t.Fatalf("NewBuilder: %v", err)
		}
		defer b.Close()
		if _, err := b.AddConfig("rules", mustDoc(t, scannerRuleset)); err != nil {
			t.Fatalf("AddConfig: %v", err)
		}
		handle, ok := b.Build()
		if !ok {
			t.Fatal("Build failed")
		}

		ctx, err := handle.NewContext()
		if err != nil {
			t.Fatalf("NewContext: %v", err)
		}
		handle.Close()
		handle.Close() // idempotent

		if _, err := handle.NewContext(); !isLifecycleErr(err) {
			t.Fatalf("expected lifecycle error, got %v", err)
		}

		res, err := ctx.Run(RunInput{Ephemeral: scannerInput("Arachni")}, time.Second)
		if err != nil {
			t.Fatalf("Run after handle close: %v", err)
		}
		if !res.Match() {
			t.Fatal("expected match from surviving context")
		}
		ctx.Close()
	})
}

func buildHandleWith(t *testing.T, table *engine.Table, rulesets ...string) *Handle {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Engine = table
	b, err := NewBuilder(cfg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	defer b.Close()
	for i, src := range rulesets {
		if _, err := b.AddConfig(string(rune('a'+i))+"/rules", mustDoc(t, src)); err != nil {
			t.Fatalf("AddConfig: %v", err)
		}
	}
	h, ok := b.Build()
	if !ok {
		t.Fatal("Build returned no handle")
	}
	t.Cleanup(h.Close)
	return h
}

// blockingTable wraps the in-process engine so a run parks inside the engine
// until released, letting tests observe a context mid-evaluation.
func blockingTable() (*engine.Table, chan struct{}, chan struct{}) {
	table := *engine.InProcess()
	inner := table.Run
	entered := make(chan struct{})
	release := make(chan struct{})
	table.Run = func(tok engine.Token, persistent, ephemeral object.Object, deadline time.Time) (object.Object, error) {
		close(entered)
		<-release
		return inner(tok, persistent, ephemeral, deadline)
	}
	return &table, entered, release
}

func TestRunConcurrentOnSameContext(t *testing.T) {
	table, entered, release := blockingTable()
	h := buildHandleWith(t, table, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ctx.Run(RunInput{Ephemeral: scannerInput("Arachni")}, 0)
		done <- err
	}()
	<-entered

	_, err = ctx.Run(RunInput{Ephemeral: scannerInput("Arachni")}, 0)
	if !isLifecycleErr(err) {
		t.Fatalf("second run error = %v, want lifecycle violation", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestHandleConcurrentContexts(t *testing.T) {
	h := buildHandle(t, scannerRuleset)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				ctx, err := h.NewContext()
				if err != nil {
					t.Errorf("NewContext: %v", err)
					return
				}
				res, err := ctx.Run(RunInput{Ephemeral: scannerInput("Arachni")}, 0)
				if err != nil {
					ctx.Close()
					t.Errorf("Run: %v", err)
					return
				}
				if !res.Match() {
					t.Error("expected a match")
				}
				ctx.Close()
			}
		}()
	}
	wg.Wait()
}

func TestCloseWaitsForActiveRun(t *testing.T) {
	table := *engine.InProcess()
	innerRun := table.Run
	innerDestroy := table.ContextDestroy
	entered := make(chan struct{})
	release := make(chan struct{})
	var destroyed atomic.Bool
	table.Run = func(tok engine.Token, persistent, ephemeral object.Object, deadline time.Time) (object.Object, error) {
		close(entered)
		<-release
		if destroyed.Load() {
			t.Error("context destroyed while a run was inside the engine")
		}
		return innerRun(tok, persistent, ephemeral, deadline)
	}
	table.ContextDestroy = func(tok engine.Token) {
		destroyed.Store(true)
		innerDestroy(tok)
	}

	h := buildHandleWith(t, &table, scannerRuleset)
	ctx, err := h.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	runDone := make(chan error, 1)
	go func() {
		_, err := ctx.Run(RunInput{Ephemeral: scannerInput("Arachni")}, 0)
		runDone <- err
	}()
	<-entered

	closeDone := make(chan struct{})
	go func() {
		ctx.Close()
		close(closeDone)
	}()
	select {
	case <-closeDone:
		t.Fatal("Close returned while a run was active")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}
	<-closeDone
	if !destroyed.Load() {
		t.Fatal("Close did not destroy the context")
	}
}
