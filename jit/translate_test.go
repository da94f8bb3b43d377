package jit

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/tagjit/native"
	"github.com/chazu/tagjit/vm"
)

func assemble(t *testing.T, name string, arity, temps int, text string, catch func(l map[string]int) []vm.CatchEntry) *vm.ISeq {
	t.Helper()
	b := vm.NewISeqBuilder(name, arity, temps)
	labels, err := vm.Assemble(b, text, nil)
	require.NoError(t, err)
	if catch != nil {
		for _, e := range catch(labels) {
			b.Catch(e)
		}
	}
	return b.Build()
}

func translate(t *testing.T, seq *vm.ISeq, opt OptLevel) *native.Entry {
	t.Helper()
	entry, err := Translate(seq, Scope{Name: seq.Name}, opt)
	require.NoError(t, err)
	return entry
}

// outcome is what a call produced, comparable across both engines.
// Strings are compared by content since every run allocates new ones.
type outcome struct {
	value vm.Value
	str   string
	err   string
}

func interpret(v *vm.VM, seq *vm.ISeq, recv vm.Value, args ...vm.Value) outcome {
	got, err := v.Interpreter().Execute(seq, recv, args, vm.Nil)
	return describe(got, err)
}

func execute(v *vm.VM, e *native.Entry, recv vm.Value, args ...vm.Value) outcome {
	got, err := e.Call(&native.Context{VM: v, Block: vm.Nil}, recv, len(args), args)
	return describe(got, err)
}

func describe(v vm.Value, err error) outcome {
	if err != nil {
		return outcome{err: err.Error()}
	}
	if s, ok := vm.StringValue(v); ok {
		return outcome{str: s}
	}
	return outcome{value: v}
}

var levels = []OptLevel{OptEager, OptLazy, OptFold}

// sameAsInterpreter runs seq through the interpreter and through the
// translation at every level and requires identical outcomes.
func sameAsInterpreter(t *testing.T, v *vm.VM, seq *vm.ISeq, recv vm.Value, args ...vm.Value) outcome {
	t.Helper()
	want := interpret(v, seq, recv, args...)
	for _, l := range levels {
		e := translate(t, seq, l)
		got := execute(v, e, recv, args...)
		assert.Equal(t, want, got, "%s at %s", seq.Name, l)
	}
	return want
}

func TestStraightLineMatchesInterpreter(t *testing.T) {
	v := vm.NewVM()
	tests := []struct {
		name string
		text string
		want vm.Value
	}{
		{"nil", "PUSH_NIL\nRETURN_TOP", vm.Nil},
		{"int", "PUSH_INT32 100000\nRETURN_TOP", vm.FromSmallInt(100000)},
		{"float", "PUSH_FLOAT 2.5\nPUSH_INT 2\nSEND_TIMES\nRETURN_TOP", vm.FromFloat64(5)},
		{"self", "RETURN_SELF", vm.FromSmallInt(9)},
		{"return nil", "PUSH_INT 3\nPOP\nRETURN_NIL", vm.Nil},
		{"fall off end", "PUSH_INT 3\nPOP", vm.Nil},
		{"dup", "PUSH_INT 4\nDUP\nSEND_TIMES\nRETURN_TOP", vm.FromSmallInt(16)},
		{"compare", "PUSH_INT 4\nPUSH_INT 5\nSEND_LE\nRETURN_TOP", vm.True},
		{"equal", "PUSH_SELF\nPUSH_INT 9\nSEND_EQ\nRETURN_TOP", vm.True},
		{"store keeps value", "PUSH_INT 6\nSTORE_TEMP 0\nPUSH_TEMP 0\nSEND_PLUS\nRETURN_TOP", vm.FromSmallInt(12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := vm.MustAssemble(tt.name, 0, 1, tt.text)
			got := sameAsInterpreter(t, v, seq, vm.FromSmallInt(9))
			assert.Equal(t, outcome{value: tt.want}, got)
		})
	}
}

func TestLoopMatchesInterpreter(t *testing.T) {
	v := vm.NewVM()
	seq := vm.MustAssemble("sum", 1, 2, `
		PUSH_INT 0
		STORE_TEMP 1
		POP
	loop:
		PUSH_TEMP 0
		PUSH_INT 0
		SEND_GT
		JUMP_FALSE done
		PUSH_TEMP 1
		PUSH_TEMP 0
		SEND_PLUS
		STORE_TEMP 1
		POP
		PUSH_TEMP 0
		PUSH_INT 1
		SEND_MINUS
		STORE_TEMP 0
		POP
		JUMP loop
	done:
		PUSH_TEMP 1
		RETURN_TOP
	`)
	got := sameAsInterpreter(t, v, seq, vm.Nil, vm.FromSmallInt(10))
	assert.Equal(t, outcome{value: vm.FromSmallInt(55)}, got)
}

func TestConstantsAcrossMerge(t *testing.T) {
	// Both arms leave a different constant under a shared one; the merge
	// point must see them written back.
	v := vm.NewVM()
	seq := vm.MustAssemble("pick", 1, 1, `
		PUSH_INT 100
		PUSH_TEMP 0
		JUMP_FALSE other
		PUSH_INT 1
		JUMP join
	other:
		PUSH_INT 2
	join:
		SEND_PLUS
		RETURN_TOP
	`)
	assert.Equal(t, outcome{value: vm.FromSmallInt(101)}, sameAsInterpreter(t, v, seq, vm.Nil, vm.True))
	assert.Equal(t, outcome{value: vm.FromSmallInt(102)}, sameAsInterpreter(t, v, seq, vm.Nil, vm.False))
}

func TestSendsAndYield(t *testing.T) {
	v := vm.NewVM()
	point := v.DefineClass("Point", nil)
	v.Reflection().Define(point, "x", &vm.AttrReader{Ivar: "x"}, vm.Public)
	v.Reflection().Define(point, "x=", &vm.AttrWriter{Ivar: "x"}, vm.Public)

	seq := vm.MustAssemble("setAndGet", 1, 1, `
		PUSH_SELF
		PUSH_TEMP 0
		SEND x= 1
		POP
		PUSH_SELF
		SEND x 0
		RETURN_TOP
	`)
	got := sameAsInterpreter(t, v, seq, vm.NewObject(point), vm.FromSmallInt(3))
	assert.Equal(t, outcome{value: vm.FromSmallInt(3)}, got)

	yield := vm.MustAssemble("twice", 1, 1, `
		PUSH_TEMP 0
		YIELD 1
		YIELD 1
		RETURN_TOP
	`)
	double := vm.NewBlock(func(args []vm.Value) (vm.Value, error) {
		return vm.FromSmallInt(args[0].SmallInt() * 2), nil
	})
	want, err := v.Interpreter().Execute(yield, vm.Nil, []vm.Value{vm.FromSmallInt(5)}, double)
	require.NoError(t, err)
	e := translate(t, yield, OptLazy)
	got2, err := e.Call(&native.Context{VM: v, Block: double}, vm.Nil, 1, []vm.Value{vm.FromSmallInt(5)})
	require.NoError(t, err)
	assert.Equal(t, want, got2)
	assert.Equal(t, vm.FromSmallInt(20), got2)
}

func TestErrorsPropagateLikeInterpreter(t *testing.T) {
	v := vm.NewVM()
	seq := vm.MustAssemble("missing", 0, 0, "PUSH_NIL\nSEND nope 0\nRETURN_TOP")
	got := sameAsInterpreter(t, v, seq, vm.Nil)
	assert.Contains(t, got.err, "undefined method 'nope'")
}

func TestFallthroughPreservation(t *testing.T) {
	seq := vm.MustAssemble("straight", 1, 2, `
		PUSH_TEMP 0
		PUSH_INT 2
		SEND_TIMES
		STORE_TEMP 1
		POP
		PUSH_TEMP 1
		PUSH_INT 1
		SEND_PLUS
		RETURN_TOP
	`)
	ins, err := seq.Instructions()
	require.NoError(t, err)

	for _, l := range levels {
		e := translate(t, seq, l)
		assert.Equal(t, 0, e.Labels(), "at %s", l)
		trace := e.Trace()
		require.Len(t, trace, len(ins))
		for i, tp := range trace {
			assert.Equal(t, ins[i].Offset, tp.Offset)
			assert.Equal(t, 0, tp.Base)
			if i > 0 {
				assert.GreaterOrEqual(t, tp.Index, trace[i-1].Index)
			}
		}
	}
}

func TestLabelsOnlyAtTargets(t *testing.T) {
	seq := vm.MustAssemble("branchy", 1, 1, `
		PUSH_TEMP 0
		JUMP_FALSE no
		PUSH_INT 1
		RETURN_TOP
	no:
		PUSH_INT 2
		RETURN_TOP
	`)
	e := translate(t, seq, OptLazy)
	assert.Equal(t, 1, e.Labels())
}

func TestConstantFolding(t *testing.T) {
	v := vm.NewVM()
	seq := vm.MustAssemble("folded", 0, 0, `
		PUSH_INT 6
		PUSH_INT 7
		SEND_TIMES
		PUSH_INT 2
		SEND_MINUS
		RETURN_TOP
	`)
	lazy := translate(t, seq, OptLazy)
	fold := translate(t, seq, OptFold)
	assert.Less(t, fold.Ops(), lazy.Ops())
	assert.Equal(t, outcome{value: vm.FromSmallInt(40)}, execute(v, fold, vm.Nil))

	src, err := fold.RenderGo("compiled")
	require.NoError(t, err)
	assert.NotContains(t, src, "send_times")
}

func TestFoldingKeepsOverflowDynamic(t *testing.T) {
	v := vm.NewVM()
	seq := vm.MustAssemble("big", 0, 0, fmt.Sprintf(`
		PUSH_INT32 %d
		PUSH_INT32 %d
		SEND_TIMES
		RETURN_TOP
	`, 1<<30, 1<<30))
	e := translate(t, seq, OptFold)
	got := execute(v, e, vm.Nil)
	assert.Equal(t, interpret(v, seq, vm.Nil), got)
	assert.True(t, got.value.IsFloat())
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		name string
		seq  *vm.ISeq
		want error
	}{
		{
			name: "depth mismatch at merge",
			seq: vm.MustAssemble("merge", 1, 1, `
				PUSH_TEMP 0
				JUMP_FALSE join
				PUSH_INT 1
			join:
				RETURN_NIL
			`),
			want: ErrStackMismatch,
		},
		{
			name: "underflow",
			seq:  vm.MustAssemble("under", 0, 0, "POP\nRETURN_NIL"),
			want: ErrStackMismatch,
		},
		{
			name: "throw without tag",
			seq:  vm.MustAssemble("tagless", 0, 0, "PUSH_NIL\nTHROW 0"),
			want: ErrUnsupportedInstruction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(tt.seq, Scope{Name: tt.seq.Name}, OptLazy)
			require.ErrorIs(t, err, tt.want)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.seq.Name, ce.Scope.Name)
		})
	}
}

func TestCompileErrorMessage(t *testing.T) {
	seq := vm.MustAssemble("under", 0, 0, "PUSH_NIL\nPOP\nPOP\nRETURN_NIL")
	_, err := Translate(seq, Scope{Class: vm.NewClass("Thing", nil), Name: "under"}, OptLazy)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "jit Thing#under at 0002"), err.Error())
}

func TestFuncName(t *testing.T) {
	assert.Equal(t, "jit_Point_x_", funcName(Scope{Class: vm.NewClass("Point", nil), Name: "x="}))
	assert.Equal(t, "jit___Class_Point__new", funcName(Scope{Class: vm.NewClass("#<Class:Point>", nil), Name: "new"}))
}
