package wasm

// A tiny hand-assembled model module. It exports memory, a bump-free malloc
// that always returns the same scratch address, a no-op free, and describe and
// simulate functions returning fixed JSON documents laid out in data segments.

const (
	describeOffset = 16
	simulateOffset = 1024
	scratchOffset  = 4096
)

func uleb(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(n int64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func section(id byte, body []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(body)))...), body...)
}

func funcBody(code ...byte) []byte {
	body := append([]byte{0x00}, code...) // no locals
	body = append(body, 0x0b)
	return append(uleb(uint64(len(body))), body...)
}

func packedConst(offset int, doc string) []byte {
	return append([]byte{0x42}, sleb(int64(offset)<<32|int64(len(doc)))...)
}

func dataSegment(offset int, doc string) []byte {
	seg := []byte{0x00, 0x41}
	seg = append(seg, sleb(int64(offset))...)
	seg = append(seg, 0x0b)
	return append(seg, wasmName(doc)...)
}

// buildModule returns a model whose describe and simulate return the given
// documents. Exports named in omit are left out.
func buildModule(describe, simulate string, omit ...string) []byte {
	skip := make(map[string]bool, len(omit))
	for _, name := range omit {
		skip[name] = true
	}

	types := vec(
		[]byte{0x60, 0x01, 0x7f, 0x01, 0x7f},       // (i32) -> i32
		[]byte{0x60, 0x01, 0x7f, 0x00},             // (i32) -> ()
		[]byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e}, // (i32, i32) -> i64
	)
	funcs := vec([]byte{0}, []byte{1}, []byte{2}, []byte{2})
	memory := vec([]byte{0x00, 0x01})

	var exports [][]byte
	for _, e := range []struct {
		name  string
		kind  byte
		index byte
	}{
		{exportMemory, 0x02, 0},
		{exportMalloc, 0x00, 0},
		{exportFree, 0x00, 1},
		{exportDescribe, 0x00, 2},
		{exportSimulate, 0x00, 3},
	} {
		if !skip[e.name] {
			exports = append(exports, append(wasmName(e.name), e.kind, e.index))
		}
	}

	code := vec(
		funcBody(append([]byte{0x41}, sleb(scratchOffset)...)...),
		funcBody(),
		funcBody(packedConst(describeOffset, describe)...),
		funcBody(packedConst(simulateOffset, simulate)...),
	)
	data := vec(dataSegment(describeOffset, describe), dataSegment(simulateOffset, simulate))

	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	module = append(module, section(1, types)...)
	module = append(module, section(3, funcs)...)
	module = append(module, section(5, memory)...)
	module = append(module, section(7, vec(exports...))...)
	module = append(module, section(10, code)...)
	module = append(module, section(11, data)...)
	return module
}
