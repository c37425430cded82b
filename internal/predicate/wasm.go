package predicate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"
)

var (
	// ErrModuleNotFound is returned when a predicate module ID is not loaded.
	ErrModuleNotFound = errors.New("predicate module not found")

	// ErrGasExhausted is returned when validation runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")
)

// defaultGasLimit bounds a single predicate invocation.
const defaultGasLimit = 1_000_000

// Pool manages compiled WASM predicate modules.
// Modules are compiled once and kept hot-loaded for fast instantiation.
// A predicate module must export `validate() -> i32` and read its input
// through the host functions `input_len` and `read_input`; it returns 0
// to accept the value and any other code to reject it.
type Pool struct {
	runtime wazero.Runtime
	modules map[[32]byte]wazero.CompiledModule
	mu      sync.RWMutex
}

// NewPool creates a predicate pool with an initialized wazero runtime.
func NewPool() *Pool {
	return &Pool{
		runtime: wazero.NewRuntime(context.Background()),
		modules: make(map[[32]byte]wazero.CompiledModule),
	}
}

// Load compiles and stores a predicate module.
// The module ID is the blake3 hash of the WASM bytes.
func (p *Pool) Load(wasmBytes []byte) ([32]byte, error) {
	id := blake3.Sum256(wasmBytes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.modules[id]; exists {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(context.Background(), wasmBytes)
	if err != nil {
		return [32]byte{}, fmt.Errorf("compile predicate module:\n%w", err)
	}

	p.modules[id] = compiled

	return id, nil
}

// Predicate returns a Predicate backed by the loaded module.
func (p *Pool) Predicate(id [32]byte) Predicate {
	return Func(func(value []byte) error {
		return p.Validate(id, value, defaultGasLimit)
	})
}

// Validate runs a predicate module against a value with the given gas limit.
// Returns nil if the module accepts the value.
func (p *Pool) Validate(id [32]byte, value []byte, gasLimit uint64) error {
	p.mu.RLock()
	compiled, exists := p.modules[id]
	p.mu.RUnlock()

	if !exists {
		return ErrModuleNotFound
	}

	ctx := context.Background()

	execCtx := &execContext{
		input:    value,
		gasLimit: gasLimit,
	}

	hostModule, err := p.buildHostModule(ctx, execCtx)
	if err != nil {
		return fmt.Errorf("build host module:\n%w", err)
	}
	defer hostModule.Close(ctx)

	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return fmt.Errorf("instantiate predicate module:\n%w", err)
	}
	defer instance.Close(ctx)

	execCtx.memory = instance.Memory()

	return callValidate(ctx, instance, execCtx)
}

// callValidate calls the validate function on the WASM instance.
func callValidate(ctx context.Context, instance api.Module, execCtx *execContext) error {
	validateFn := instance.ExportedFunction("validate")
	if validateFn == nil {
		return fmt.Errorf("validate function not exported")
	}

	results, err := validateFn.Call(ctx)
	if err != nil {
		if execCtx.gasExhausted {
			return ErrGasExhausted
		}

		return fmt.Errorf("validate:\n%w", err)
	}

	if len(results) == 0 {
		return fmt.Errorf("validate returned no result")
	}

	if code := int32(results[0]); code != 0 {
		return fmt.Errorf("predicate rejected value: code %d", code)
	}

	return nil
}

// Unload removes a module from the pool.
func (p *Pool) Unload(id [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if compiled, exists := p.modules[id]; exists {
		compiled.Close(context.Background())
		delete(p.modules, id)
	}
}

// Close releases all resources held by the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, compiled := range p.modules {
		compiled.Close(context.Background())
		delete(p.modules, id)
	}

	return p.runtime.Close(context.Background())
}

// execContext holds the state for a single predicate invocation.
type execContext struct {
	input        []byte     // input is the candidate controlled value
	memory       api.Memory // memory is the WASM linear memory
	gasLimit     uint64     // gasLimit is the maximum gas allowed
	gasUsed      uint64     // gasUsed tracks consumed gas
	gasExhausted bool       // gasExhausted is true if the limit was exceeded
}

// buildHostModule creates the "env" module with host functions.
func (p *Pool) buildHostModule(ctx context.Context, execCtx *execContext) (api.Module, error) {
	return p.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, cost uint32) {
			hostGas(execCtx, cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context) uint32 {
			return uint32(len(execCtx.input))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, ptr uint32) {
			hostReadInput(execCtx, ptr)
		}).
		Export("read_input").
		Instantiate(ctx)
}

// hostGas handles gas metering.
// Panics if the gas limit is exceeded to abort execution.
func hostGas(execCtx *execContext, cost uint32) {
	execCtx.gasUsed += uint64(cost)

	if execCtx.gasUsed > execCtx.gasLimit {
		execCtx.gasExhausted = true
		panic("gas exhausted")
	}
}

// hostReadInput copies the input buffer into WASM memory at the given pointer.
func hostReadInput(execCtx *execContext, ptr uint32) {
	if execCtx.memory == nil || len(execCtx.input) == 0 {
		return
	}

	execCtx.memory.Write(ptr, execCtx.input)
}
