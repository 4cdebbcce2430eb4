package bpf

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// Jump target names. An empty target means the next instruction.
const (
	labelAccept = "accept"
	labelReject = "reject"
)

// builder appends instructions up to a fixed bound and resolves symbolic
// jump targets once the program is complete.
type builder struct {
	ins    []bpf.Instruction
	limit  int
	labels map[string]int
	fixups []fixup
	err    error
}

type fixup struct {
	at   int
	t, f string
}

func newBuilder(limit int) *builder {
	return &builder{
		ins:    make([]bpf.Instruction, 0, limit),
		limit:  limit,
		labels: make(map[string]int),
	}
}

func (b *builder) emit(ins bpf.Instruction) {
	if b.err != nil {
		return
	}
	if len(b.ins) >= b.limit {
		b.err = ErrNoBufs
		return
	}
	b.ins = append(b.ins, ins)
}

// jump emits a conditional jump to the named targets.
func (b *builder) jump(cond bpf.JumpTest, val uint32, t, f string) {
	b.emit(bpf.JumpIf{Cond: cond, Val: val})
	if b.err == nil {
		b.fixups = append(b.fixups, fixup{at: len(b.ins) - 1, t: t, f: f})
	}
}

// mark names the position of the next instruction.
func (b *builder) mark(name string) {
	b.labels[name] = len(b.ins)
}

func (b *builder) skip(from int, name string) (uint8, error) {
	if name == "" {
		return 0, nil
	}
	to, ok := b.labels[name]
	if !ok {
		return 0, fmt.Errorf("bpf: undefined label %q", name)
	}
	d := to - from - 1
	if d < 0 || d > 0xff {
		return 0, fmt.Errorf("bpf: jump to %q out of range", name)
	}
	return uint8(d), nil
}

// program resolves jumps and returns the instructions.
func (b *builder) program() ([]bpf.Instruction, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, fx := range b.fixups {
		j := b.ins[fx.at].(bpf.JumpIf)
		var err error
		if j.SkipTrue, err = b.skip(fx.at, fx.t); err != nil {
			return nil, err
		}
		if j.SkipFalse, err = b.skip(fx.at, fx.f); err != nil {
			return nil, err
		}
		b.ins[fx.at] = j
	}
	return b.ins, nil
}
