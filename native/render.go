package native

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/dave/jennifer/jen"
)

const vmPath = "github.com/chazu/tagjit/vm"

// RenderGo prints the compiled graph as a Go function in package pkg. The
// output is for inspection: primitives appear as calls on the runtime
// context and tag frames as explicit push/checkpoint/pop calls.
func (e *Entry) RenderGo(pkg string) (string, error) {
	f := jen.NewFile(pkg)
	f.HeaderComment("Code generated by tagjit. DO NOT EDIT.")

	placed := make(map[int][]int)
	for l, pos := range e.labels {
		placed[pos] = append(placed[pos], l)
	}
	traces := make(map[int][]TracePoint)
	for _, tp := range e.traces {
		traces[tp.Index] = append(traces[tp.Index], tp)
	}

	var body []jen.Code
	if e.nvars > 0 {
		ids := make([]jen.Code, e.nvars)
		for i := range ids {
			ids[i] = jen.Id(reg(Var(i)))
		}
		body = append(body, jen.Var().List(ids...).Qual(vmPath, "Value"))
	}
	body = append(body,
		jen.Var().Err().Error(),
		jen.List(jen.Id(reg(e.self)), jen.Id(reg(e.block))).Op("=").Id("self").Op(",").Id("ctx").Dot("Block"),
	)
	args := make([]int, 0, len(e.args))
	for k := range e.args {
		args = append(args, k)
	}
	sort.Ints(args)
	for _, k := range args {
		body = append(body, jen.If(jen.Id("argc").Op(">").Lit(k)).Block(
			jen.Id(reg(e.args[k])).Op("=").Id("argv").Index(jen.Lit(k)),
		))
	}
	body = append(body, jen.Id("_").Op("=").Err())

	for i, o := range e.ops {
		ls := placed[i]
		sort.Ints(ls)
		for _, l := range ls {
			body = append(body, jen.Id(label(Label(l))).Op(":"))
		}
		for _, tp := range traces[i] {
			body = append(body, jen.Comment(fmt.Sprintf("%04d (base %d)", tp.Offset, tp.Base)))
		}
		body = append(body, e.renderOp(o)...)
	}
	for _, l := range placed[len(e.ops)] {
		body = append(body, jen.Id(label(Label(l))).Op(":"))
	}
	body = append(body,
		jen.Return(jen.Qual(vmPath, "Nil"), jen.Nil()),
		jen.Id("unwind").Op(":"),
		jen.Return(jen.Id("ctx").Dot("Unwind").Call(jen.Err())),
	)

	f.Func().Id(e.name).Params(
		jen.Id("ctx").Op("*").Qual("github.com/chazu/tagjit/native", "Context"),
		jen.Id("self").Qual(vmPath, "Value"),
		jen.Id("argc").Int(),
		jen.Id("argv").Index().Qual(vmPath, "Value"),
	).Params(jen.Qual(vmPath, "Value"), jen.Error()).Block(body...)

	var buf bytes.Buffer
	if err := f.Render(&buf); err != nil {
		return "", fmt.Errorf("native %s: render: %w", e.name, err)
	}
	return buf.String(), nil
}

func reg(v Var) string {
	return fmt.Sprintf("v%d", v)
}

func label(l Label) string {
	return fmt.Sprintf("L%d", l)
}

func regs(vs []Var) []jen.Code {
	out := make([]jen.Code, len(vs))
	for i, v := range vs {
		out[i] = jen.Id(reg(v))
	}
	return out
}

func (e *Entry) renderOp(o op) []jen.Code {
	switch o.kind {
	case opConst:
		return []jen.Code{
			jen.Id(reg(o.dst)).Op("=").Qual(vmPath, "Value").Call(jen.Lit(uint64(o.value))).Comment(o.value.String()),
		}
	case opMove:
		return []jen.Code{jen.Id(reg(o.dst)).Op("=").Id(reg(o.src[0]))}
	case opCall:
		dst := jen.Id("_")
		if o.dst != NoVar {
			dst = jen.Id(reg(o.dst))
		}
		callArgs := append([]jen.Code{jen.Lit(o.prim.Name)}, regs(o.src)...)
		return []jen.Code{
			jen.List(dst, jen.Err()).Op("=").Id("ctx").Dot("Call").Call(callArgs...),
			jen.If(jen.Err().Op("!=").Nil()).Block(jen.Goto().Id("unwind")),
		}
	case opJump:
		return []jen.Code{jen.Goto().Id(label(o.target))}
	case opBranchIf:
		return []jen.Code{jen.If(jen.Id(reg(o.src[0])).Dot("IsTruthy").Call()).Block(jen.Goto().Id(label(o.target)))}
	case opBranchUnless:
		return []jen.Code{jen.If(jen.Op("!").Id(reg(o.src[0])).Dot("IsTruthy").Call()).Block(jen.Goto().Id(label(o.target)))}
	case opSelect:
		cases := make([]jen.Code, 0, len(o.arms)+1)
		for _, arm := range o.arms {
			cases = append(cases, jen.Case(
				jen.Qual(vmPath, "FromSmallInt").Call(jen.Lit(int(arm.Tag))),
			).Block(jen.Goto().Id(label(arm.Target))).Comment(arm.Tag.String()))
		}
		cases = append(cases, jen.Default().Block(jen.Goto().Id(label(o.otherwise))))
		return []jen.Code{jen.Switch(jen.Id(reg(o.src[0]))).Block(cases...)}
	case opReturn:
		return []jen.Code{jen.Return(jen.Id(reg(o.src[0])), jen.Nil())}
	case opPushTag:
		return []jen.Code{jen.Id("ctx").Dot("PushTag").Call(jen.Lit(int(o.frame)))}
	case opCheckpoint:
		return []jen.Code{
			jen.List(jen.Id(reg(o.stateVar)), jen.Id(reg(o.valueVar))).Op("=").
				Id("ctx").Dot("Checkpoint").Call(jen.Lit(int(o.frame))).
				Comment("resumes at " + label(o.target)),
		}
	case opPopTag:
		return []jen.Code{jen.Id("ctx").Dot("PopTag").Call(jen.Lit(int(o.frame)))}
	case opRaise:
		return []jen.Code{
			jen.Err().Op("=").Id("ctx").Dot("Raise").Call(regs(o.src)...),
			jen.Goto().Id("unwind"),
		}
	}
	return []jen.Code{jen.Comment(fmt.Sprintf("unknown operation %d", o.kind))}
}
