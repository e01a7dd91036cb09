package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// bridge calls JSON-in/JSON-out functions exported by one module instance.
type bridge struct {
	module api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function
}

// Required exports.
const (
	exportMemory   = "memory"
	exportMalloc   = "malloc"
	exportFree     = "free"
	exportDescribe = "describe"
	exportSimulate = "simulate"
)

func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{module: module}

	b.memory = module.ExportedMemory(exportMemory)
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	b.malloc = module.ExportedFunction(exportMalloc)
	if b.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", exportMalloc)
	}

	b.free = module.ExportedFunction(exportFree)
	if b.free == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", exportFree)
	}

	for _, name := range []string{exportDescribe, exportSimulate} {
		if module.ExportedFunction(name) == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
	}
	return b, nil
}

// call invokes fn(input_ptr, input_len) -> (output_ptr << 32) | output_len.
func (b *bridge) call(ctx context.Context, name string, input []byte) ([]byte, error) {
	fn := b.module.ExportedFunction(name)

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function %s failed: %w", name, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function %s returned no results", name)
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view of linear memory; copy before freeing it.
	output := make([]byte, len(view))
	copy(output, view)
	_ = b.deallocate(ctx, outputPtr)

	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
