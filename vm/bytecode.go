package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNil     Opcode = 0x10 // push nil
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushSelf    Opcode = 0x13 // push self
	OpPushInt8    Opcode = 0x14 // push 8-bit signed integer
	OpPushInt32   Opcode = 0x15 // push 32-bit signed integer
	OpPushLiteral Opcode = 0x16 // push literal (16-bit index)
	OpPushFloat   Opcode = 0x17 // push inline float64 (8 bytes)
)

// Variable Operations
const (
	OpPushTemp   Opcode = 0x20 // push temporary/argument (8-bit index)
	OpStoreTemp  Opcode = 0x23 // store top into temporary, keep it (8-bit index)
	OpPushOuter  Opcode = 0x26 // push temporary of the enclosing frame (8-bit index)
	OpStoreOuter Opcode = 0x27 // store top into enclosing frame temporary (8-bit index)
)

// Message Sends
const (
	OpSend Opcode = 0x30 // send message (16-bit selector literal, 8-bit argc)
)

// Optimized Sends (single-byte, no operands)
const (
	OpSendPlus  Opcode = 0x40 // +
	OpSendMinus Opcode = 0x41 // -
	OpSendTimes Opcode = 0x42 // *
	OpSendLT    Opcode = 0x45 // <
	OpSendGT    Opcode = 0x46 // >
	OpSendLE    Opcode = 0x47 // <=
	OpSendGE    Opcode = 0x48 // >=
	OpSendEQ    Opcode = 0x49 // ==
	OpYield     Opcode = 0x4E // call the passed block (8-bit argc)
)

// Control Flow
const (
	OpJump      Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpTrue  Opcode = 0x61 // pop, jump if truthy (16-bit offset)
	OpJumpFalse Opcode = 0x62 // pop, jump if falsy (16-bit offset)
)

// Returns and non-local transfer
const (
	OpReturnTop  Opcode = 0x70 // return top of stack
	OpReturnSelf Opcode = 0x71 // return self
	OpReturnNil  Opcode = 0x72 // return nil
	OpThrow      Opcode = 0x74 // pop value, raise non-local transfer (8-bit tag)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0},
	OpPOP: {"POP", 0},
	OpDUP: {"DUP", 0},

	OpPushNil:     {"PUSH_NIL", 0},
	OpPushTrue:    {"PUSH_TRUE", 0},
	OpPushFalse:   {"PUSH_FALSE", 0},
	OpPushSelf:    {"PUSH_SELF", 0},
	OpPushInt8:    {"PUSH_INT8", 1},
	OpPushInt32:   {"PUSH_INT32", 4},
	OpPushLiteral: {"PUSH_LITERAL", 2},
	OpPushFloat:   {"PUSH_FLOAT", 8},

	OpPushTemp:   {"PUSH_TEMP", 1},
	OpStoreTemp:  {"STORE_TEMP", 1},
	OpPushOuter:  {"PUSH_OUTER", 1},
	OpStoreOuter: {"STORE_OUTER", 1},

	OpSend: {"SEND", 3},

	OpSendPlus:  {"SEND_PLUS", 0},
	OpSendMinus: {"SEND_MINUS", 0},
	OpSendTimes: {"SEND_TIMES", 0},
	OpSendLT:    {"SEND_LT", 0},
	OpSendGT:    {"SEND_GT", 0},
	OpSendLE:    {"SEND_LE", 0},
	OpSendGE:    {"SEND_GE", 0},
	OpSendEQ:    {"SEND_EQ", 0},
	OpYield:     {"YIELD", 1},

	OpJump:      {"JUMP", 2},
	OpJumpTrue:  {"JUMP_TRUE", 2},
	OpJumpFalse: {"JUMP_FALSE", 2},

	OpReturnTop:  {"RETURN_TOP", 0},
	OpReturnSelf: {"RETURN_SELF", 0},
	OpReturnNil:  {"RETURN_NIL", 0},
	OpThrow:      {"THROW", 1},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Known reports whether op is part of the instruction set.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Width returns the encoded size of the instruction including its opcode byte.
func (op Opcode) Width() int {
	return 1 + op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsJump reports whether op carries a relative branch target.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpTrue || op == OpJumpFalse
}

// IsFrameExit reports whether op leaves the current frame.
func (op Opcode) IsFrameExit() bool {
	return op == OpReturnTop || op == OpReturnSelf || op == OpReturnNil
}

// OpcodeByName resolves an assembler mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opcodesByName[strings.ToUpper(name)]
	return op, ok
}

// ---------------------------------------------------------------------------
// Decoded instructions
// ---------------------------------------------------------------------------

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	Offset int     // byte offset of the opcode
	Op     Opcode  // the opcode
	A      int     // first operand: index, immediate, relative offset or tag
	B      int     // second operand: argument count for SEND
	F      float64 // PUSH_FLOAT immediate
}

// Width returns the encoded size of the instruction.
func (in Instruction) Width() int {
	return in.Op.Width()
}

// Next returns the offset of the following instruction.
func (in Instruction) Next() int {
	return in.Offset + in.Width()
}

// Target returns the absolute branch target of a jump.
// Offsets are relative to the end of the jump instruction.
func (in Instruction) Target() int {
	return in.Next() + in.A
}

// ErrTruncated is returned when an instruction's operands run past the end
// of the code.
var ErrTruncated = errors.New("bytecode truncated")

// ErrUnknownOpcode is returned for bytes that are not part of the instruction set.
var ErrUnknownOpcode = errors.New("unknown opcode")

// Decode splits code into instructions.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	r := NewBytecodeReader(code)
	for r.HasMore() {
		in, err := r.ReadInstruction()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// BytecodeReader
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for interpretation or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadInstruction decodes the instruction at the current position.
func (r *BytecodeReader) ReadInstruction() (Instruction, error) {
	in := Instruction{Offset: r.pos}
	if r.pos >= len(r.bytes) {
		return in, fmt.Errorf("%w at %04d", ErrTruncated, r.pos)
	}
	in.Op = Opcode(r.bytes[r.pos])
	if !in.Op.Known() {
		return in, fmt.Errorf("%w 0x%02x at %04d", ErrUnknownOpcode, byte(in.Op), r.pos)
	}
	n := in.Op.Info().OperandBytes
	if r.pos+1+n > len(r.bytes) {
		return in, fmt.Errorf("%w: %s at %04d", ErrTruncated, in.Op, r.pos)
	}
	ops := r.bytes[r.pos+1 : r.pos+1+n]
	switch in.Op {
	case OpPushInt8:
		in.A = int(int8(ops[0]))
	case OpPushTemp, OpStoreTemp, OpPushOuter, OpStoreOuter, OpYield, OpThrow:
		in.A = int(ops[0])
	case OpPushLiteral:
		in.A = int(binary.LittleEndian.Uint16(ops))
	case OpPushInt32:
		in.A = int(int32(binary.LittleEndian.Uint32(ops)))
	case OpPushFloat:
		in.F = math.Float64frombits(binary.LittleEndian.Uint64(ops))
	case OpJump, OpJumpTrue, OpJumpFalse:
		in.A = int(int16(binary.LittleEndian.Uint16(ops)))
	case OpSend:
		in.A = int(binary.LittleEndian.Uint16(ops))
		in.B = int(ops[2])
	}
	r.pos += 1 + n
	return in, nil
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length, which is the offset of the next instruction.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitFloat64 appends an opcode with a 64-bit float operand.
func (b *BytecodeBuilder) EmitFloat64(op Opcode, operand float64) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, math.Float64bits(operand))
}

// EmitSend appends a SEND instruction.
func (b *BytecodeBuilder) EmitSend(selector uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(OpSend), byte(selector), byte(selector>>8), argc)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward or backward jump target in bytecode.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// Position returns the resolved offset. Panics if the label is unresolved.
func (l *Label) Position() int {
	if !l.resolved {
		panic("label not resolved")
	}
	return l.position
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2)
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// FormatInstruction renders one decoded instruction. Literal operands are
// resolved against lits when it is non-nil.
func FormatInstruction(in Instruction, lits []Value) string {
	name := in.Op.Name()
	switch in.Op {
	case OpPushInt8, OpPushInt32, OpPushTemp, OpStoreTemp, OpPushOuter, OpStoreOuter, OpYield:
		return fmt.Sprintf("%04d  %s %d", in.Offset, name, in.A)
	case OpPushFloat:
		return fmt.Sprintf("%04d  %s %g", in.Offset, name, in.F)
	case OpPushLiteral:
		if in.A < len(lits) {
			return fmt.Sprintf("%04d  %s %d (%s)", in.Offset, name, in.A, lits[in.A])
		}
		return fmt.Sprintf("%04d  %s %d", in.Offset, name, in.A)
	case OpSend:
		if in.A < len(lits) {
			return fmt.Sprintf("%04d  %s %s argc=%d", in.Offset, name, SymbolName(lits[in.A]), in.B)
		}
		return fmt.Sprintf("%04d  %s selector=%d argc=%d", in.Offset, name, in.A, in.B)
	case OpJump, OpJumpTrue, OpJumpFalse:
		return fmt.Sprintf("%04d  %s %d (-> %04d)", in.Offset, name, in.A, in.Target())
	case OpThrow:
		return fmt.Sprintf("%04d  %s %s", in.Offset, name, Tag(in.A))
	default:
		return fmt.Sprintf("%04d  %s", in.Offset, name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	ins, err := Decode(bc)
	var sb strings.Builder
	for i, in := range ins {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(FormatInstruction(in, nil))
	}
	if err != nil {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("; " + err.Error())
	}
	return sb.String()
}
