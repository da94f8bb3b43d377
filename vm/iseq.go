package vm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Catch tables
// ---------------------------------------------------------------------------

// CatchKind is the control-flow discipline guarding a protected region.
type CatchKind uint8

const (
	CatchRescue CatchKind = iota
	CatchEnsure
	CatchBreak
	CatchNext
	CatchRedo
	CatchRetry
)

var catchKindNames = [...]string{
	CatchRescue: "rescue",
	CatchEnsure: "ensure",
	CatchBreak:  "break",
	CatchNext:   "next",
	CatchRedo:   "redo",
	CatchRetry:  "retry",
}

func (k CatchKind) String() string {
	if int(k) < len(catchKindNames) {
		return catchKindNames[k]
	}
	return fmt.Sprintf("catch(%d)", uint8(k))
}

// ParseCatchKind resolves a catch kind by name.
func ParseCatchKind(name string) (CatchKind, error) {
	for k, n := range catchKindNames {
		if n == strings.ToLower(name) {
			return CatchKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown catch kind %q", name)
}

// Tag returns the control tag a region of this kind intercepts.
// Ensure regions and unknown kinds intercept nothing.
func (k CatchKind) Tag() Tag {
	switch k {
	case CatchRescue:
		return TagRaise
	case CatchBreak:
		return TagBreak
	case CatchNext:
		return TagNext
	case CatchRedo:
		return TagRedo
	case CatchRetry:
		return TagRetry
	}
	return TagNone
}

// PushesValue reports whether resuming at the continuation leaves a value
// on the operand stack (the handler result or the thrown value).
func (k CatchKind) PushesValue() bool {
	return k == CatchRescue || k == CatchBreak || k == CatchNext
}

// CatchEntry protects the instructions at offsets Start..End inclusive.
type CatchEntry struct {
	Kind    CatchKind
	Start   int   // offset of the first protected instruction
	End     int   // offset of the last protected instruction
	Cont    int   // continuation offset
	Handler *ISeq // handler body (rescue only)
	SP      int   // operand stack depth on entry to the region
}

// Contains reports whether offset lies inside the region.
func (e *CatchEntry) Contains(offset int) bool {
	return offset >= e.Start && offset <= e.End
}

// Encloses reports whether other lies entirely inside e.
func (e *CatchEntry) Encloses(other *CatchEntry) bool {
	return other.Start >= e.Start && other.End <= e.End
}

func (e *CatchEntry) String() string {
	return fmt.Sprintf("%s [%04d..%04d] cont=%04d sp=%d", e.Kind, e.Start, e.End, e.Cont, e.SP)
}

// ErrOverlappingRegions is returned for catch entries that partially overlap.
var ErrOverlappingRegions = errors.New("catch regions partially overlap")

// SortCatchTable returns entries ordered by start offset. Entries sharing a
// start are ordered by descending end so enclosing regions come first;
// entries with identical ranges keep their table order.
func SortCatchTable(entries []*CatchEntry) []*CatchEntry {
	sorted := make([]*CatchEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})
	return sorted
}

// CheckNesting verifies that sorted entries nest or follow each other.
func CheckNesting(sorted []*CatchEntry) error {
	for i, outer := range sorted {
		if outer.End < outer.Start {
			return fmt.Errorf("catch entry %s: end before start", outer)
		}
		for _, inner := range sorted[i+1:] {
			if inner.Start > outer.End {
				break
			}
			if inner.End > outer.End {
				return fmt.Errorf("%w: %s and %s", ErrOverlappingRegions, outer, inner)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// ISeq: one method or handler body
// ---------------------------------------------------------------------------

// ISeq is an instruction sequence: the bytecode for one method body plus
// the catch table describing its protected regions.
type ISeq struct {
	Name     string
	Arity    int // number of arguments (stored in the first temporaries)
	NumTemps int // total temporaries (arguments + locals)
	Literals []Value
	Code     []byte
	Catch    []*CatchEntry
}

// Instructions decodes the body.
func (s *ISeq) Instructions() ([]Instruction, error) {
	return Decode(s.Code)
}

// Literal returns the literal at index, or an error if it is out of range.
func (s *ISeq) Literal(index int) (Value, error) {
	if index < 0 || index >= len(s.Literals) {
		return Nil, fmt.Errorf("%s: literal %d out of range", s.Name, index)
	}
	return s.Literals[index], nil
}

// Selector returns the message name stored at a literal index.
func (s *ISeq) Selector(index int) (string, error) {
	lit, err := s.Literal(index)
	if err != nil {
		return "", err
	}
	if !lit.IsSymbol() {
		return "", fmt.Errorf("%s: literal %d is not a selector", s.Name, index)
	}
	return SymbolName(lit), nil
}

// Disassemble renders the body and its catch table.
func (s *ISeq) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s (arity=%d temps=%d)\n", s.Name, s.Arity, s.NumTemps)
	ins, err := s.Instructions()
	for _, in := range ins {
		sb.WriteString(FormatInstruction(in, s.Literals))
		sb.WriteByte('\n')
	}
	if err != nil {
		fmt.Fprintf(&sb, "; %v\n", err)
	}
	for _, e := range SortCatchTable(s.Catch) {
		fmt.Fprintf(&sb, "catch %s\n", e)
		if e.Handler != nil {
			for _, line := range strings.Split(strings.TrimRight(e.Handler.Disassemble(), "\n"), "\n") {
				sb.WriteString("  | " + line + "\n")
			}
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// ISeqBuilder
// ---------------------------------------------------------------------------

// ISeqBuilder assembles an ISeq: bytecode plus literal pool and catch table.
type ISeqBuilder struct {
	*BytecodeBuilder
	seq *ISeq
}

// NewISeqBuilder starts a new instruction sequence.
func NewISeqBuilder(name string, arity, numTemps int) *ISeqBuilder {
	return &ISeqBuilder{
		BytecodeBuilder: NewBytecodeBuilder(),
		seq:             &ISeq{Name: name, Arity: arity, NumTemps: numTemps},
	}
}

// Literal adds v to the literal pool, reusing an existing slot for equal values.
func (b *ISeqBuilder) Literal(v Value) uint16 {
	for i, lit := range b.seq.Literals {
		if lit == v {
			return uint16(i)
		}
	}
	b.seq.Literals = append(b.seq.Literals, v)
	return uint16(len(b.seq.Literals) - 1)
}

// Send emits a message send.
func (b *ISeqBuilder) Send(selector string, argc int) {
	b.EmitSend(b.Literal(Intern(selector)), uint8(argc))
}

// PushInt emits the smallest integer push for n.
func (b *ISeqBuilder) PushInt(n int) {
	if n >= -128 && n <= 127 {
		b.EmitInt8(OpPushInt8, int8(n))
		return
	}
	b.EmitInt32(OpPushInt32, int32(n))
}

// PushLiteral emits a literal push.
func (b *ISeqBuilder) PushLiteral(v Value) {
	b.EmitUint16(OpPushLiteral, b.Literal(v))
}

// Throw emits a non-local transfer of the top of stack.
func (b *ISeqBuilder) Throw(tag Tag) {
	b.EmitByte(OpThrow, byte(tag))
}

// Catch appends a catch table entry.
func (b *ISeqBuilder) Catch(e CatchEntry) {
	b.seq.Catch = append(b.seq.Catch, &e)
}

// Build returns the finished sequence.
func (b *ISeqBuilder) Build() *ISeq {
	b.seq.Code = b.Bytes()
	return b.seq
}
