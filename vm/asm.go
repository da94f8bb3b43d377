package vm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ---------------------------------------------------------------------------
// Assembler: textual bytecode
// ---------------------------------------------------------------------------
//
// One instruction per line:
//
//	loop:                  ; label
//	  PUSH_TEMP 0
//	  PUSH_INT 1           ; PUSH_INT8 or PUSH_INT32, whichever fits
//	  SEND_PLUS
//	  SEND print 1         ; selector, argc
//	  PUSH_LITERAL "text"  ; also :sym, 42, 1.5, nil, true, false, @Class
//	  JUMP_FALSE loop
//	  THROW raise
//
// Comments start with ';' or '#'.

// LiteralResolver resolves @Name literals, typically to class values.
type LiteralResolver func(name string) (Value, error)

// AsmError reports a problem on one line of assembly text.
type AsmError struct {
	Line int
	Msg  string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("asm line %d: %s", e.Line, e.Msg)
}

// Assemble appends the instructions in text to b and returns the offsets
// of the labels it defines.
func Assemble(b *ISeqBuilder, text string, resolve LiteralResolver) (map[string]int, error) {
	a := &assembler{b: b, resolve: resolve, labels: make(map[string]*Label)}
	for n, line := range strings.Split(text, "\n") {
		a.line = n + 1
		toks, err := tokenize(line)
		if err != nil {
			return nil, a.errorf("%v", err)
		}
		if len(toks) == 0 {
			continue
		}
		if err := a.statement(toks); err != nil {
			return nil, err
		}
	}
	offsets := make(map[string]int, len(a.labels))
	for name, l := range a.labels {
		if !l.resolved {
			return nil, &AsmError{Line: a.line, Msg: fmt.Sprintf("undefined label %q", name)}
		}
		offsets[name] = l.position
	}
	return offsets, nil
}

// MustAssemble builds a catch-free sequence from text and panics on error.
// Intended for tests and fixtures.
func MustAssemble(name string, arity, numTemps int, text string) *ISeq {
	b := NewISeqBuilder(name, arity, numTemps)
	if _, err := Assemble(b, text, nil); err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}
	return b.Build()
}

type assembler struct {
	b       *ISeqBuilder
	resolve LiteralResolver
	labels  map[string]*Label
	line    int
}

func (a *assembler) errorf(format string, args ...any) error {
	return &AsmError{Line: a.line, Msg: fmt.Sprintf(format, args...)}
}

func (a *assembler) label(name string) *Label {
	l, ok := a.labels[name]
	if !ok {
		l = a.b.NewLabel()
		a.labels[name] = l
	}
	return l
}

func (a *assembler) statement(toks []string) error {
	if strings.HasSuffix(toks[0], ":") && len(toks) == 1 {
		name := strings.TrimSuffix(toks[0], ":")
		l := a.label(name)
		if l.resolved {
			return a.errorf("label %q defined twice", name)
		}
		a.b.Mark(l)
		return nil
	}

	mnemonic := strings.ToUpper(toks[0])
	args := toks[1:]
	if mnemonic == "PUSH_INT" {
		n, err := a.integer(args, 0)
		if err != nil {
			return err
		}
		if n < -1<<31 || n > 1<<31-1 {
			return a.errorf("PUSH_INT %d out of range", n)
		}
		a.b.PushInt(int(n))
		return nil
	}

	op, ok := OpcodeByName(mnemonic)
	if !ok {
		return a.errorf("unknown mnemonic %q", toks[0])
	}
	want := 1
	switch {
	case op.Info().OperandBytes == 0:
		want = 0
	case op == OpSend:
		want = 2
	}
	if len(args) != want {
		return a.errorf("%s takes %d operand(s), got %d", op, want, len(args))
	}

	switch op {
	case OpPushInt8:
		n, err := a.integer(args, 0)
		if err != nil {
			return err
		}
		if n < -128 || n > 127 {
			return a.errorf("PUSH_INT8 %d out of range", n)
		}
		a.b.EmitInt8(op, int8(n))
	case OpPushInt32:
		n, err := a.integer(args, 0)
		if err != nil {
			return err
		}
		if n < -1<<31 || n > 1<<31-1 {
			return a.errorf("PUSH_INT32 %d out of range", n)
		}
		a.b.EmitInt32(op, int32(n))
	case OpPushFloat:
		f, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return a.errorf("bad float %q", args[0])
		}
		a.b.EmitFloat64(op, f)
	case OpPushLiteral:
		v, err := a.literal(args[0])
		if err != nil {
			return err
		}
		a.b.PushLiteral(v)
	case OpPushTemp, OpStoreTemp, OpPushOuter, OpStoreOuter, OpYield:
		n, err := a.integer(args, 0)
		if err != nil {
			return err
		}
		if n < 0 || n > 255 {
			return a.errorf("%s operand %d out of range", op, n)
		}
		a.b.EmitByte(op, byte(n))
	case OpSend:
		sel := args[0]
		if unq, err := strconv.Unquote(sel); err == nil {
			sel = unq
		}
		argc, err := a.integer(args, 1)
		if err != nil {
			return err
		}
		if argc < 0 || argc > 255 {
			return a.errorf("SEND argc %d out of range", argc)
		}
		a.b.Send(sel, int(argc))
	case OpJump, OpJumpTrue, OpJumpFalse:
		a.b.EmitJump(op, a.label(args[0]))
	case OpThrow:
		tag, err := ParseTag(strings.ToLower(args[0]))
		if err != nil {
			n, nerr := strconv.Atoi(args[0])
			if nerr != nil || n < 0 || n > 255 {
				return a.errorf("%v", err)
			}
			tag = Tag(n)
		}
		a.b.Throw(tag)
	default:
		a.b.Emit(op)
	}
	return nil
}

func (a *assembler) integer(args []string, i int) (int64, error) {
	n, err := strconv.ParseInt(args[i], 0, 64)
	if err != nil {
		return 0, a.errorf("bad integer %q", args[i])
	}
	return n, nil
}

func (a *assembler) literal(tok string) (Value, error) {
	switch {
	case tok == "nil":
		return Nil, nil
	case tok == "true":
		return True, nil
	case tok == "false":
		return False, nil
	case strings.HasPrefix(tok, `"`):
		s, err := strconv.Unquote(tok)
		if err != nil {
			return Nil, a.errorf("bad string literal %s", tok)
		}
		return NewString(s), nil
	case strings.HasPrefix(tok, ":"):
		name := tok[1:]
		if unq, err := strconv.Unquote(name); err == nil {
			name = unq
		}
		return Intern(name), nil
	case strings.HasPrefix(tok, "@"):
		if a.resolve == nil {
			return Nil, a.errorf("no resolver for %s", tok)
		}
		v, err := a.resolve(tok[1:])
		if err != nil {
			return Nil, a.errorf("%v", err)
		}
		return v, nil
	}
	if n, err := strconv.ParseInt(tok, 0, 64); err == nil {
		if v, ok := TryFromSmallInt(n); ok {
			return v, nil
		}
		return Nil, a.errorf("integer literal %s out of range", tok)
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return FromFloat64(f), nil
	}
	return Nil, a.errorf("bad literal %q", tok)
}

// tokenize splits a line into whitespace-separated tokens, keeping quoted
// strings intact and dropping comments.
func tokenize(line string) ([]string, error) {
	var toks []string
	s := line
	for {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" || s[0] == ';' || s[0] == '#' {
			return toks, nil
		}
		start := s
		prefix := ""
		if s[0] == ':' && len(s) > 1 && s[1] == '"' {
			prefix, s = ":", s[1:]
		}
		if s[0] == '"' {
			q, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("unterminated string in %q", start)
			}
			toks = append(toks, prefix+q)
			s = s[len(q):]
			continue
		}
		end := strings.IndexFunc(s, unicode.IsSpace)
		if end < 0 {
			end = len(s)
		}
		toks = append(toks, s[:end])
		s = s[end:]
	}
}
