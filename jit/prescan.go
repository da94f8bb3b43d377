package jit

import (
	"fmt"

	"github.com/chazu/tagjit/vm"
)

// prescan is the result of a pass over a sequence before emission: the
// operand stack depth at every reachable instruction, and the offsets that
// need a label (jump targets and catch continuations).
type prescan struct {
	code   []vm.Instruction
	index  map[int]int
	depth  map[int]int
	labels map[int]bool
	catch  []*vm.CatchEntry // sorted
}

// stackEffect returns how many operands in consumes and produces.
func stackEffect(in vm.Instruction) (pops, pushes int) {
	switch in.Op {
	case vm.OpPOP:
		return 1, 0
	case vm.OpDUP:
		return 1, 2
	case vm.OpStoreTemp, vm.OpStoreOuter:
		return 1, 1
	case vm.OpPushNil, vm.OpPushTrue, vm.OpPushFalse, vm.OpPushSelf, vm.OpPushInt8,
		vm.OpPushInt32, vm.OpPushLiteral, vm.OpPushFloat, vm.OpPushTemp, vm.OpPushOuter:
		return 0, 1
	case vm.OpSend:
		return in.B + 1, 1
	case vm.OpSendPlus, vm.OpSendMinus, vm.OpSendTimes, vm.OpSendLT, vm.OpSendGT,
		vm.OpSendLE, vm.OpSendGE, vm.OpSendEQ:
		return 2, 1
	case vm.OpYield:
		return in.A, 1
	case vm.OpJumpTrue, vm.OpJumpFalse, vm.OpReturnTop, vm.OpThrow:
		return 1, 0
	}
	return 0, 0
}

// fallsThrough reports whether control can continue to the next instruction.
func fallsThrough(op vm.Opcode) bool {
	return op != vm.OpJump && op != vm.OpThrow && !op.IsFrameExit()
}

func scan(seq *vm.ISeq) (*prescan, error) {
	code, err := seq.Instructions()
	if err != nil {
		return nil, &CompileError{Offset: -1, Err: err}
	}
	p := &prescan{
		code:   code,
		index:  make(map[int]int, len(code)),
		depth:  make(map[int]int),
		labels: make(map[int]bool),
		catch:  vm.SortCatchTable(seq.Catch),
	}
	for i, in := range code {
		p.index[in.Offset] = i
	}
	if err := vm.CheckNesting(p.catch); err != nil {
		return nil, &CompileError{Offset: -1, Err: fmt.Errorf("%w: %v", ErrMalformedRegion, err)}
	}

	type item struct{ offset, depth int }
	var work []item
	enqueue := func(from, offset, depth int) error {
		if _, ok := p.index[offset]; !ok {
			return p.fail(from, fmt.Errorf("%w: %04d is not an instruction boundary", ErrMalformedRegion, offset))
		}
		if d, seen := p.depth[offset]; seen {
			if d != depth {
				return p.fail(from, fmt.Errorf("%w: %04d reached with depth %d and %d", ErrStackMismatch, offset, d, depth))
			}
			return nil
		}
		p.depth[offset] = depth
		work = append(work, item{offset, depth})
		return nil
	}

	for _, e := range p.catch {
		for _, at := range []int{e.Start, e.End, e.Cont} {
			if _, ok := p.index[at]; !ok {
				return nil, p.fail(-1, fmt.Errorf("%w: %s: %04d is not an instruction boundary", ErrMalformedRegion, e, at))
			}
		}
	}

	if len(code) > 0 {
		if err := enqueue(-1, 0, 0); err != nil {
			return nil, err
		}
	}
	for _, e := range p.catch {
		d := e.SP
		if e.Kind.PushesValue() {
			d++
		}
		p.labels[e.Cont] = true
		if err := enqueue(-1, e.Cont, d); err != nil {
			return nil, err
		}
	}

	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		in := code[p.index[it.offset]]
		pops, pushes := stackEffect(in)
		if it.depth < pops {
			return nil, p.fail(in.Offset, fmt.Errorf("%w: underflow (depth %d)", ErrStackMismatch, it.depth))
		}
		d := it.depth - pops + pushes
		if in.Op.IsJump() {
			p.labels[in.Target()] = true
			if err := enqueue(in.Offset, in.Target(), d); err != nil {
				return nil, err
			}
		}
		if fallsThrough(in.Op) && in.Next() < len(seq.Code) {
			if err := enqueue(in.Offset, in.Next(), d); err != nil {
				return nil, err
			}
		}
	}

	for _, e := range p.catch {
		if d, ok := p.depth[e.Start]; ok && d != e.SP {
			return nil, p.fail(e.Start, fmt.Errorf("%w: %s entered with depth %d", ErrStackMismatch, e, d))
		}
	}
	return p, nil
}

func (p *prescan) fail(offset int, err error) error {
	ce := &CompileError{Offset: offset, Err: err}
	if i, ok := p.index[offset]; ok {
		ce.Op = p.code[i].Op
	}
	return ce
}

func (p *prescan) reachable(offset int) bool {
	_, ok := p.depth[offset]
	return ok
}
