package jit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/tagjit/native"
	"github.com/chazu/tagjit/vm"
)

func TestRescueHandlerResult(t *testing.T) {
	v := vm.NewVM()
	handler := vm.MustAssemble("rescue", 1, 1, "PUSH_TEMP 0\nSEND message 0\nRETURN_TOP")
	seq := assemble(t, "divide", 0, 0, `
	start:
		PUSH_INT 1
		PUSH_INT 0
		SEND "/" 1
	end:
		RETURN_TOP
	cont:
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{{Kind: vm.CatchRescue, Start: l["start"], End: l["end"], Cont: l["cont"], Handler: handler}}
	})
	got := sameAsInterpreter(t, v, seq, vm.Nil)
	assert.Equal(t, outcome{str: "divided by 0"}, got)
}

func TestBreakPushesValue(t *testing.T) {
	v := vm.NewVM()
	seq := assemble(t, "break", 0, 0, `
		PUSH_INT 1
	s:
		PUSH_INT 7
	e:
		THROW break
	c:
		SEND_PLUS
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{{Kind: vm.CatchBreak, Start: l["s"], End: l["e"], Cont: l["c"], SP: 1}}
	})
	assert.Equal(t, outcome{value: vm.FromSmallInt(8)}, sameAsInterpreter(t, v, seq, vm.Nil))
}

func TestUnmatchedTagPropagates(t *testing.T) {
	v := vm.NewVM()
	handler := vm.MustAssemble("rescue", 1, 1, "PUSH_INT 0\nRETURN_TOP")
	seq := assemble(t, "next", 0, 0, `
	s:
		PUSH_INT 5
	e:
		THROW next
	c:
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{{Kind: vm.CatchRescue, Start: l["s"], End: l["e"], Cont: l["c"], Handler: handler}}
	})

	for _, l := range levels {
		_, err := translate(t, seq, l).Call(&native.Context{VM: v, Block: vm.Nil}, vm.Nil, 0, nil)
		thr, ok := vm.AsThrow(err)
		require.True(t, ok, "err = %v", err)
		assert.Equal(t, vm.TagNext, thr.Tag)
		assert.Equal(t, vm.FromSmallInt(5), thr.Value)
	}
	sameAsInterpreter(t, v, seq, vm.Nil)
}

// nested builds a rescue region A inside a retry region B sharing its
// start. body runs inside A on the first pass only.
func nested(t *testing.T, body string) *vm.ISeq {
	t.Helper()
	handler := vm.MustAssemble("rescue", 1, 1, "PUSH_INT 100\nRETURN_TOP")
	return assemble(t, "nested", 0, 1, `
		PUSH_INT 0
		STORE_TEMP 0
		POP
	top:
		PUSH_TEMP 0
		PUSH_INT 1
		SEND_PLUS
		STORE_TEMP 0
		POP
		PUSH_TEMP 0
		PUSH_INT 1
		SEND_GT
		JUMP_TRUE done
		`+body+`
	aEnd:
		POP
	done:
		PUSH_TEMP 0
	bEnd:
		RETURN_TOP
	aCont:
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{
			{Kind: vm.CatchRescue, Start: l["top"], End: l["aEnd"], Cont: l["aCont"], Handler: handler},
			{Kind: vm.CatchRetry, Start: l["top"], End: l["bEnd"], Cont: l["top"]},
		}
	})
}

func TestRegionNesting(t *testing.T) {
	v := vm.NewVM()
	obj := vm.NewObject(v.ObjectClass)

	t.Run("inner tag resolves at inner continuation", func(t *testing.T) {
		seq := nested(t, "PUSH_SELF\nPUSH_LITERAL \"boom\"\nSEND raise 1")
		got := sameAsInterpreter(t, v, seq, obj)
		assert.Equal(t, outcome{value: vm.FromSmallInt(100)}, got, "the retry region must not fire")
	})
	t.Run("outer tag passes the inner region", func(t *testing.T) {
		seq := nested(t, "PUSH_NIL\nTHROW retry")
		got := sameAsInterpreter(t, v, seq, obj)
		assert.Equal(t, outcome{value: vm.FromSmallInt(2)}, got, "retry re-runs the region once")
	})
}

func TestRetryFromRescueHandler(t *testing.T) {
	v := vm.NewVM()
	obj := vm.NewObject(v.ObjectClass)
	handler := vm.MustAssemble("rescue", 1, 1, "PUSH_NIL\nTHROW retry")
	seq := assemble(t, "retrying", 0, 1, `
		PUSH_INT 0
		STORE_TEMP 0
		POP
	top:
		PUSH_TEMP 0
		PUSH_INT 1
		SEND_PLUS
		STORE_TEMP 0
		POP
		PUSH_TEMP 0
		PUSH_INT 3
		SEND_LT
		JUMP_FALSE ok
		PUSH_SELF
		PUSH_LITERAL "again"
		SEND raise 1
		POP
	ok:
		PUSH_TEMP 0
	last:
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{
			{Kind: vm.CatchRetry, Start: l["top"], End: l["last"], Cont: l["top"]},
			{Kind: vm.CatchRescue, Start: l["top"], End: l["last"], Cont: l["last"], Handler: handler},
		}
	})
	assert.Equal(t, outcome{value: vm.FromSmallInt(3)}, sameAsInterpreter(t, v, seq, obj))
}

func TestHandlerRaiseReachesEnclosingRescue(t *testing.T) {
	v := vm.NewVM()
	obj := vm.NewObject(v.ObjectClass)
	inner := vm.MustAssemble("inner", 1, 1, `
		PUSH_SELF
		PUSH_LITERAL "from handler"
		SEND raise 1
		RETURN_TOP
	`)
	outer := vm.MustAssemble("outer", 1, 1, "PUSH_TEMP 0\nSEND message 0\nRETURN_TOP")
	seq := assemble(t, "stacked", 0, 0, `
	s:
		PUSH_SELF
		PUSH_LITERAL "first"
		SEND raise 1
	e:
		RETURN_TOP
	c:
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{
			{Kind: vm.CatchRescue, Start: l["s"], End: l["e"], Cont: l["c"], Handler: outer},
			{Kind: vm.CatchRescue, Start: l["s"], End: l["e"], Cont: l["c"], Handler: inner},
		}
	})
	assert.Equal(t, outcome{str: "from handler"}, sameAsInterpreter(t, v, seq, obj))
}

func TestHandlerOuterLocals(t *testing.T) {
	v := vm.NewVM()
	handler := vm.MustAssemble("rescue", 1, 1, `
		PUSH_INT 99
		STORE_OUTER 0
		POP
		PUSH_OUTER 0
		RETURN_TOP
	`)
	seq := assemble(t, "outer", 0, 1, `
	s:
		PUSH_NIL
		SEND missing 0
	e:
		RETURN_TOP
	c:
		POP
		PUSH_TEMP 0
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{{Kind: vm.CatchRescue, Start: l["s"], End: l["e"], Cont: l["c"], Handler: handler}}
	})
	assert.Equal(t, outcome{value: vm.FromSmallInt(99)}, sameAsInterpreter(t, v, seq, vm.Nil))
}

func TestNextAndRedoInLoop(t *testing.T) {
	// Counts to 5; even numbers leave the region with next, 3 redoes once
	// after bumping a second counter.
	v := vm.NewVM()
	seq := assemble(t, "loop", 0, 3, `
		PUSH_INT 0
		STORE_TEMP 0
		POP
		PUSH_INT 0
		STORE_TEMP 1
		POP
		PUSH_INT 0
		STORE_TEMP 2
		POP
	head:
		PUSH_TEMP 0
		PUSH_INT 5
		SEND_LT
		JUMP_FALSE exit
		PUSH_TEMP 0
		PUSH_INT 1
		SEND_PLUS
		STORE_TEMP 0
		POP
	body:
		PUSH_TEMP 0
		PUSH_INT 3
		SEND_EQ
		JUMP_FALSE plain
		PUSH_TEMP 2
		PUSH_INT 0
		SEND_EQ
		JUMP_FALSE plain
		PUSH_INT 1
		STORE_TEMP 2
		POP
		PUSH_NIL
		THROW redo
	plain:
		PUSH_TEMP 0
		PUSH_INT 2
		SEND "%" 1
		PUSH_INT 0
		SEND_EQ
		JUMP_FALSE odd
		PUSH_TEMP 0
		THROW next
	odd:
		PUSH_TEMP 0
	bodyEnd:
		NOP
	cont:
		PUSH_TEMP 1
		SEND_PLUS
		STORE_TEMP 1
		POP
		JUMP head
	exit:
		PUSH_TEMP 1
		PUSH_TEMP 2
		PUSH_INT 1000
		SEND_TIMES
		SEND_PLUS
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{
			{Kind: vm.CatchNext, Start: l["body"], End: l["bodyEnd"], Cont: l["cont"]},
			{Kind: vm.CatchRedo, Start: l["body"], End: l["bodyEnd"], Cont: l["body"]},
		}
	})
	got := sameAsInterpreter(t, v, seq, vm.Nil)
	assert.Equal(t, outcome{value: vm.FromSmallInt(1015)}, got)
}

func TestEndInclusiveRegion(t *testing.T) {
	v := vm.NewVM()
	seq := assemble(t, "inclusive", 0, 0, `
	s:
		PUSH_INT 4
		PUSH_INT 5
		SEND_PLUS
	e:
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{{Kind: vm.CatchBreak, Start: l["s"], End: l["e"], Cont: l["e"]}}
	})
	assert.Equal(t, outcome{value: vm.FromSmallInt(9)}, sameAsInterpreter(t, v, seq, vm.Nil))

	e := translate(t, seq, OptLazy)
	src, err := e.RenderGo("compiled")
	require.NoError(t, err)
	ret := strings.Index(src, "// 0005 (base 0)")
	pop := strings.Index(src, "ctx.PopTag(0)")
	require.True(t, ret >= 0 && pop >= 0, src)
	assert.Less(t, ret, pop, "the final instruction must be emitted inside the frame")

	// Probe: right after the region the modeled operand stack is empty.
	env := newEnv(native.NewBuilder("probe"), newRuntime(), seq, Scope{Name: seq.Name}, OptLazy)
	tr, err := newTranslator(env)
	require.NoError(t, err)
	require.NoError(t, tr.walk(tr.p.catch, len(seq.Code)))
	assert.Equal(t, 0, env.Depth())
}

func TestTripleNestedSortStability(t *testing.T) {
	v := vm.NewVM()
	handler := vm.MustAssemble("rescue", 1, 1, "PUSH_INT -1\nRETURN_TOP")
	// All three regions share a start; the table lists them inner first.
	seq := assemble(t, "triple", 0, 0, `
	s:
		PUSH_INT 3
	e1:
		THROW break
	e2:
		NOP
	e3:
		RETURN_NIL
	c:
		PUSH_INT 10
		SEND_TIMES
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{
			{Kind: vm.CatchRescue, Start: l["s"], End: l["e1"], Cont: l["c"], Handler: handler},
			{Kind: vm.CatchBreak, Start: l["s"], End: l["e2"], Cont: l["c"]},
			{Kind: vm.CatchNext, Start: l["s"], End: l["e3"], Cont: l["c"]},
		}
	})

	sorted := vm.SortCatchTable(seq.Catch)
	assert.Equal(t, []vm.CatchKind{vm.CatchNext, vm.CatchBreak, vm.CatchRescue},
		[]vm.CatchKind{sorted[0].Kind, sorted[1].Kind, sorted[2].Kind})

	got := sameAsInterpreter(t, v, seq, vm.Nil)
	assert.Equal(t, outcome{value: vm.FromSmallInt(30)}, got)

	e := translate(t, seq, OptLazy)
	assert.Equal(t, 3, e.Frames())
}

func TestUnsupportedCatchKinds(t *testing.T) {
	for _, kind := range []vm.CatchKind{vm.CatchEnsure, vm.CatchKind(42)} {
		seq := assemble(t, "guarded", 0, 0, `
		s:
			PUSH_INT 1
		e:
			RETURN_TOP
		c:
			RETURN_NIL
		`, func(l map[string]int) []vm.CatchEntry {
			return []vm.CatchEntry{{Kind: kind, Start: l["s"], End: l["e"], Cont: l["c"]}}
		})
		_, err := Translate(seq, Scope{Name: "guarded"}, OptLazy)
		assert.ErrorIs(t, err, ErrUnsupportedCatchKind, "kind %s", kind)
	}
}

func TestMalformedRegions(t *testing.T) {
	t.Run("partial overlap", func(t *testing.T) {
		seq := assemble(t, "overlap", 0, 0, `
		a:
			PUSH_INT 1
		b:
			PUSH_INT 2
		c:
			SEND_PLUS
			RETURN_TOP
		`, func(l map[string]int) []vm.CatchEntry {
			return []vm.CatchEntry{
				{Kind: vm.CatchBreak, Start: l["a"], End: l["b"], Cont: l["c"]},
				{Kind: vm.CatchNext, Start: l["b"], End: l["c"], Cont: l["c"]},
			}
		})
		_, err := Translate(seq, Scope{Name: "overlap"}, OptLazy)
		assert.ErrorIs(t, err, ErrMalformedRegion)
	})
	t.Run("not an instruction boundary", func(t *testing.T) {
		seq := assemble(t, "split", 0, 0, "PUSH_INT 1\nRETURN_TOP", func(map[string]int) []vm.CatchEntry {
			return []vm.CatchEntry{{Kind: vm.CatchBreak, Start: 1, End: 2, Cont: 2}}
		})
		_, err := Translate(seq, Scope{Name: "split"}, OptLazy)
		assert.ErrorIs(t, err, ErrMalformedRegion)
	})
	t.Run("depth disagrees with entry", func(t *testing.T) {
		seq := assemble(t, "deep", 0, 0, `
			PUSH_INT 1
		s:
			PUSH_INT 2
		e:
			SEND_PLUS
			RETURN_TOP
		`, func(l map[string]int) []vm.CatchEntry {
			return []vm.CatchEntry{{Kind: vm.CatchRedo, Start: l["s"], End: l["e"], Cont: l["s"], SP: 0}}
		})
		_, err := Translate(seq, Scope{Name: "deep"}, OptLazy)
		assert.ErrorIs(t, err, ErrStackMismatch)
	})
	t.Run("rescue without handler", func(t *testing.T) {
		seq := assemble(t, "bare", 0, 0, "s:\nPUSH_INT 1\ne:\nRETURN_TOP", func(l map[string]int) []vm.CatchEntry {
			return []vm.CatchEntry{{Kind: vm.CatchRescue, Start: l["s"], End: l["e"], Cont: l["e"]}}
		})
		_, err := Translate(seq, Scope{Name: "bare"}, OptLazy)
		assert.ErrorIs(t, err, ErrMalformedRegion)
	})
}

func TestHandlerTraceUsesEntryBase(t *testing.T) {
	handler := vm.MustAssemble("rescue", 1, 1, "PUSH_INT 0\nRETURN_TOP")
	seq := assemble(t, "based", 0, 0, `
		PUSH_INT 1
		POP
	s:
		PUSH_NIL
		SEND boom 0
	e:
		RETURN_TOP
	c:
		RETURN_TOP
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{{Kind: vm.CatchRescue, Start: l["s"], End: l["e"], Cont: l["c"], Handler: handler}}
	})
	e := translate(t, seq, OptLazy)
	var bases []int
	for _, tp := range e.Trace() {
		if tp.Base != 0 {
			bases = append(bases, tp.Base)
		}
	}
	assert.Equal(t, []int{3, 3}, bases)
}
