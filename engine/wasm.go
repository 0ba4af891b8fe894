package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/parapet-dev/parapet/errors"
	"github.com/parapet-dev/parapet/object"
)

// Exported function names a WebAssembly engine module must provide. Values
// cross the boundary as JSON documents in guest memory; functions returning
// a buffer pack it as ptr<<32|len in a single u64.
var wasmExports = []string{
	"waf_alloc",
	"waf_free",
	"waf_abi_version",
	"waf_builder_init",
	"waf_builder_add_config",
	"waf_builder_remove_config",
	"waf_builder_build",
	"waf_builder_destroy",
	"waf_handle_diagnostics",
	"waf_known_addresses",
	"waf_known_actions",
	"waf_handle_destroy",
	"waf_context_init",
	"waf_run",
	"waf_context_destroy",
}

// WASMEngine hosts a WebAssembly build of the rule engine through wazero and
// exposes it as a function table. A module instance is single-threaded, so
// every table call is serialized on an internal lock.
type WASMEngine struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	fns     map[string]api.Function
}

// WASMConfig tunes how the engine module is hosted.
type WASMConfig struct {
	// MemoryLimitPages caps guest memory, in 64KiB pages. 0 keeps the
	// wazero default.
	MemoryLimitPages uint32
}

// LoadWASM compiles and instantiates an engine module. The returned engine
// must be closed when no longer needed.
func LoadWASM(ctx context.Context, binary []byte, cfg *WASMConfig) (*WASMEngine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	// Host imports the guest may bind. waf.log carries guest diagnostics
	// into the engine logger.
	_, err := runtime.NewHostModuleBuilder("waf").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			guestLog(Logger(), level, string(msg))
		}).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Load("instantiate host imports", err)
	}

	compiled, err := runtime.CompileModule(ctx, binary)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Load("compile engine module", err)
	}

	module, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("waf-engine"))
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Load("instantiate engine module", err)
	}

	e := &WASMEngine{
		runtime: runtime,
		module:  module,
		fns:     make(map[string]api.Function, len(wasmExports)),
	}
	for _, name := range wasmExports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			_ = runtime.Close(ctx)
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Detail("engine module does not export %s", name).
				Build()
		}
		e.fns[name] = fn
	}

	version, err := e.callOne(ctx, "waf_abi_version")
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}
	if uint32(version) != ABIVersion {
		_ = runtime.Close(ctx)
		return nil, errors.ABIMismatch(uint32(version), ABIVersion)
	}

	Logger().Debug("wasm engine attached", zap.Uint32("abi", uint32(version)))
	return e, nil
}

// Close releases the module instance and the hosting runtime.
func (e *WASMEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtime.Close(ctx)
}

// Table returns the engine's function table.
func (e *WASMEngine) Table() *Table {
	return &Table{
		Name:    "wasm",
		Version: ABIVersion,
		BuilderInit: func(settings object.Object) (Token, error) {
			return e.builderInit(settings)
		},
		BuilderAddConfig:    e.builderAddConfig,
		BuilderRemoveConfig: e.builderRemoveConfig,
		BuilderBuild:        e.builderBuild,
		BuilderDestroy:      e.destroyFn("waf_builder_destroy"),
		HandleDiagnostics:   e.handleDiagnostics,
		KnownAddresses:      e.stringListFn("waf_known_addresses"),
		KnownActions:        e.stringListFn("waf_known_actions"),
		HandleDestroy:       e.destroyFn("waf_handle_destroy"),
		ContextInit:         e.contextInit,
		Run:                 e.run,
		ContextDestroy:      e.destroyFn("waf_context_destroy"),
	}
}

func (e *WASMEngine) callOne(ctx context.Context, name string, params ...uint64) (uint64, error) {
	results, err := e.fns[name].Call(ctx, params...)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseRun, errors.KindInternal, err, "engine call "+name)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

// writeBuffer copies data into guest memory via waf_alloc. The caller frees
// it with freeBuffer after the engine call returns.
func (e *WASMEngine) writeBuffer(ctx context.Context, data []byte) (uint32, uint32, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	ptr, err := e.callOne(ctx, "waf_alloc", uint64(len(data)))
	if err != nil {
		return 0, 0, err
	}
	if !e.module.Memory().Write(uint32(ptr), data) {
		return 0, 0, errors.Internal(errors.PhaseRun, nil)
	}
	return uint32(ptr), uint32(len(data)), nil
}

func (e *WASMEngine) freeBuffer(ctx context.Context, ptr, size uint32) {
	if ptr == 0 {
		return
	}
	_, _ = e.callOne(ctx, "waf_free", uint64(ptr), uint64(size))
}

// readPacked decodes a ptr<<32|len return value, copies the buffer out of
// guest memory and frees it.
func (e *WASMEngine) readPacked(ctx context.Context, packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	if ptr == 0 || size == 0 {
		return nil, nil
	}
	data, ok := e.module.Memory().Read(ptr, size)
	if !ok {
		return nil, errors.Internal(errors.PhaseRun, nil)
	}
	out := append([]byte(nil), data...)
	e.freeBuffer(ctx, ptr, size)
	return out, nil
}

func (e *WASMEngine) callWithJSON(name string, doc object.Object, extra ...uint64) ([]byte, error) {
	ctx := context.Background()
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "marshal engine payload")
	}
	ptr, size, err := e.writeBuffer(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer e.freeBuffer(ctx, ptr, size)

	params := append(extra, uint64(ptr), uint64(size))
	packed, err := e.callOne(ctx, name, params...)
	if err != nil {
		return nil, err
	}
	return e.readPacked(ctx, packed)
}

func (e *WASMEngine) builderInit(settings object.Object) (Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.callWithJSON("waf_builder_init", settings)
	if err != nil {
		return NoToken, err
	}
	var resp struct {
		Builder uint64 `json:"builder"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return NoToken, errors.Internal(errors.PhaseConfig, err)
	}
	if resp.Error != "" {
		return NoToken, errors.InvalidData(errors.PhaseConfig, nil, resp.Error)
	}
	return Token(resp.Builder), nil
}

func (e *WASMEngine) builderAddConfig(builder Token, path string, ruleset object.Object) (object.Object, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx := context.Background()

	pathPtr, pathLen, err := e.writeBuffer(ctx, []byte(path))
	if err != nil {
		return object.Invalid(), false
	}
	defer e.freeBuffer(ctx, pathPtr, pathLen)

	out, err := e.callWithJSON("waf_builder_add_config", ruleset,
		uint64(builder), uint64(pathPtr), uint64(pathLen))
	if err != nil {
		return object.Invalid(), false
	}

	var resp struct {
		OK          bool            `json:"ok"`
		Diagnostics json.RawMessage `json:"diagnostics"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return object.Invalid(), false
	}
	diag := object.Invalid()
	if len(resp.Diagnostics) > 0 {
		if parsed, err := object.FromJSON(resp.Diagnostics); err == nil {
			diag = parsed
		}
	}
	return diag, resp.OK
}

func (e *WASMEngine) builderRemoveConfig(builder Token, path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx := context.Background()

	ptr, size, err := e.writeBuffer(ctx, []byte(path))
	if err != nil {
		return false
	}
	defer e.freeBuffer(ctx, ptr, size)

	res, err := e.callOne(ctx, "waf_builder_remove_config", uint64(builder), uint64(ptr), uint64(size))
	return err == nil && res != 0
}

func (e *WASMEngine) builderBuild(builder Token) (Token, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.callOne(context.Background(), "waf_builder_build", uint64(builder))
	if err != nil || res == 0 {
		return NoToken, false
	}
	return Token(res), true
}

func (e *WASMEngine) handleDiagnostics(handle Token) object.Object {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx := context.Background()

	packed, err := e.callOne(ctx, "waf_handle_diagnostics", uint64(handle))
	if err != nil {
		return object.Invalid()
	}
	data, err := e.readPacked(ctx, packed)
	if err != nil || len(data) == 0 {
		return object.Invalid()
	}
	diag, err := object.FromJSON(data)
	if err != nil {
		return object.Invalid()
	}
	return diag
}

func (e *WASMEngine) stringListFn(name string) func(Token) []string {
	return func(tok Token) []string {
		e.mu.Lock()
		defer e.mu.Unlock()
		ctx := context.Background()

		packed, err := e.callOne(ctx, name, uint64(tok))
		if err != nil {
			return nil
		}
		data, err := e.readPacked(ctx, packed)
		if err != nil || len(data) == 0 {
			return nil
		}
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return nil
		}
		return list
	}
}

func (e *WASMEngine) destroyFn(name string) func(Token) {
	return func(tok Token) {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, _ = e.callOne(context.Background(), name, uint64(tok))
	}
}

func (e *WASMEngine) contextInit(handle Token) (Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.callOne(context.Background(), "waf_context_init", uint64(handle))
	if err != nil {
		return NoToken, err
	}
	if res == 0 {
		return NoToken, errors.NotFound(errors.PhaseRun, "handle", "context init")
	}
	return Token(res), nil
}

func (e *WASMEngine) run(tok Token, persistent, ephemeral object.Object, deadline time.Time) (object.Object, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx := context.Background()

	marshalInput := func(o object.Object) (uint32, uint32, error) {
		if !o.IsValid() {
			return 0, 0, nil
		}
		data, err := json.Marshal(o)
		if err != nil {
			return 0, 0, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "marshal input data")
		}
		return e.writeBuffer(ctx, data)
	}

	pPtr, pLen, err := marshalInput(persistent)
	if err != nil {
		return object.Invalid(), err
	}
	defer e.freeBuffer(ctx, pPtr, pLen)

	ePtr, eLen, err := marshalInput(ephemeral)
	if err != nil {
		return object.Invalid(), err
	}
	defer e.freeBuffer(ctx, ePtr, eLen)

	var budget uint64
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Nanosecond
		}
		budget = uint64(remaining.Nanoseconds())
	}

	packed, err := e.callOne(ctx, "waf_run",
		uint64(tok),
		uint64(pPtr), uint64(pLen),
		uint64(ePtr), uint64(eLen),
		budget)
	if err != nil {
		return object.Invalid(), err
	}
	data, err := e.readPacked(ctx, packed)
	if err != nil {
		return object.Invalid(), err
	}

	var resp struct {
		Error  string          `json:"error"`
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return object.Invalid(), errors.Internal(errors.PhaseRun, err)
	}
	switch resp.Error {
	case "":
	case "invalid_object":
		return object.Invalid(), errors.InvalidObject(errors.PhaseRun, "engine rejected input objects")
	case "invalid_argument":
		return object.Invalid(), errors.InvalidArgument(errors.PhaseRun, "engine rejected call arguments")
	default:
		return object.Invalid(), errors.Internal(errors.PhaseRun, nil)
	}

	output, err := object.FromJSON(resp.Output)
	if err != nil {
		return object.Invalid(), errors.Internal(errors.PhaseRun, err)
	}
	return output, nil
}
