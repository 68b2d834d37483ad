package smt

// Closed-form evaluation. Resolve substitutes every versioned symbol
// by its defining term, leaving an expression over input symbols only;
// Simplify normalizes it. The gadget classifier runs entirely on these
// two functions, with no solver involved.

// Resolve rewrites t so that it mentions only symbols without a
// definition (the formula's inputs and havoced values).
func (f *Formula) Resolve(t Term) Term {
	return f.resolve(t, make(map[string]Term))
}

func (f *Formula) resolve(t Term, memo map[string]Term) Term {
	switch x := t.(type) {
	case BitVecSymbol:
		def, ok := f.defs[x.Name]
		if !ok {
			return x
		}
		if r, ok := memo[x.Name]; ok {
			return r
		}
		r := f.resolve(def, memo)
		memo[x.Name] = r
		return r
	case ArraySymbol:
		def, ok := f.defs[x.Name]
		if !ok {
			return x
		}
		if r, ok := memo[x.Name]; ok {
			return r
		}
		r := f.resolve(def, memo)
		memo[x.Name] = r
		return r
	case BinOp:
		return BinOp{Op: x.Op, A: f.resolve(x.A, memo), B: f.resolve(x.B, memo)}
	case UnOp:
		return UnOp{Op: x.Op, A: f.resolve(x.A, memo)}
	case Extract:
		return Extract{High: x.High, Low: x.Low, A: f.resolve(x.A, memo)}
	case ZeroExtend:
		return ZeroExtend{N: x.N, A: f.resolve(x.A, memo)}
	case SignExtend:
		return SignExtend{N: x.N, A: f.resolve(x.A, memo)}
	case Concat:
		return Concat{A: f.resolve(x.A, memo), B: f.resolve(x.B, memo)}
	case Ite:
		return Ite{Cond: f.resolve(x.Cond, memo), Then: f.resolve(x.Then, memo), Else: f.resolve(x.Else, memo)}
	case Eq:
		return Eq{A: f.resolve(x.A, memo), B: f.resolve(x.B, memo)}
	case Ult:
		return Ult{A: f.resolve(x.A, memo), B: f.resolve(x.B, memo)}
	case BoolNot:
		return BoolNot{A: f.resolve(x.A, memo)}
	case BoolOp:
		args := make([]Term, len(x.Args))
		for i := range x.Args {
			args[i] = f.resolve(x.Args[i], memo)
		}
		return BoolOp{Op: x.Op, Args: args}
	case Select:
		return Select{Array: f.resolve(x.Array, memo), Index: f.resolve(x.Index, memo)}
	case Store:
		return Store{Array: f.resolve(x.Array, memo), Index: f.resolve(x.Index, memo), Value: f.resolve(x.Value, memo)}
	}
	return t
}

// Substitute replaces free symbols by the terms in env, keyed by
// symbol name. Used to evaluate a formula under concrete inputs.
func Substitute(t Term, env map[string]Term) Term {
	switch x := t.(type) {
	case BitVecSymbol:
		if r, ok := env[x.Name]; ok {
			return r
		}
		return x
	case ArraySymbol:
		if r, ok := env[x.Name]; ok {
			return r
		}
		return x
	case BinOp:
		return BinOp{Op: x.Op, A: Substitute(x.A, env), B: Substitute(x.B, env)}
	case UnOp:
		return UnOp{Op: x.Op, A: Substitute(x.A, env)}
	case Extract:
		return Extract{High: x.High, Low: x.Low, A: Substitute(x.A, env)}
	case ZeroExtend:
		return ZeroExtend{N: x.N, A: Substitute(x.A, env)}
	case SignExtend:
		return SignExtend{N: x.N, A: Substitute(x.A, env)}
	case Concat:
		return Concat{A: Substitute(x.A, env), B: Substitute(x.B, env)}
	case Ite:
		return Ite{Cond: Substitute(x.Cond, env), Then: Substitute(x.Then, env), Else: Substitute(x.Else, env)}
	case Eq:
		return Eq{A: Substitute(x.A, env), B: Substitute(x.B, env)}
	case Ult:
		return Ult{A: Substitute(x.A, env), B: Substitute(x.B, env)}
	case BoolNot:
		return BoolNot{A: Substitute(x.A, env)}
	case BoolOp:
		args := make([]Term, len(x.Args))
		for i := range x.Args {
			args[i] = Substitute(x.Args[i], env)
		}
		return BoolOp{Op: x.Op, Args: args}
	case Select:
		return Select{Array: Substitute(x.Array, env), Index: Substitute(x.Index, env)}
	case Store:
		return Store{Array: Substitute(x.Array, env), Index: Substitute(x.Index, env), Value: Substitute(x.Value, env)}
	}
	return t
}

// Equal reports structural term equality.
func Equal(a, b Term) bool {
	return String(a) == String(b)
}

// splitIndex decomposes an address term into (base, constant offset).
func splitIndex(t Term) (base Term, off uint64) {
	if b, ok := t.(BinOp); ok && b.Op == "bvadd" {
		if v, ok := b.B.(BitVecValue); ok {
			return b.A, v.Value
		}
		if v, ok := b.A.(BitVecValue); ok {
			return b.B, v.Value
		}
	}
	if v, ok := t.(BitVecValue); ok {
		return nil, v.Value
	}
	return t, 0
}

// indexRelation compares two address terms: equal, distinct, or
// unknown. Indices sharing a base with different constant offsets can
// never be equal.
func indexRelation(a, b Term) (equal, known bool) {
	ba, oa := splitIndex(a)
	bb, ob := splitIndex(b)
	switch {
	case ba == nil && bb == nil:
		return oa == ob, true
	case ba == nil || bb == nil:
		return false, false
	case Equal(ba, bb):
		return oa == ob, true
	}
	return false, false
}

// Simplify normalizes a term by constant folding, extraction and
// concatenation collapsing, and store-to-load forwarding.
func Simplify(t Term) Term {
	for {
		n := simplifyOnce(t)
		if Equal(n, t) {
			return n
		}
		t = n
	}
}

func simplifyOnce(t Term) Term {
	switch x := t.(type) {
	case BinOp:
		return simplifyBinOp(BinOp{Op: x.Op, A: simplifyOnce(x.A), B: simplifyOnce(x.B)})
	case UnOp:
		a := simplifyOnce(x.A)
		if v, ok := a.(BitVecValue); ok {
			w := v.Bits
			switch x.Op {
			case "bvneg":
				return BitVecValue{Value: (-v.Value) & maskFor(w), Bits: w}
			case "bvnot":
				return BitVecValue{Value: ^v.Value & maskFor(w), Bits: w}
			}
		}
		return UnOp{Op: x.Op, A: a}
	case Extract:
		return simplifyExtract(Extract{High: x.High, Low: x.Low, A: simplifyOnce(x.A)})
	case ZeroExtend:
		a := simplifyOnce(x.A)
		if v, ok := a.(BitVecValue); ok {
			return BitVecValue{Value: v.Value & maskFor(v.Bits), Bits: v.Bits + x.N}
		}
		return ZeroExtend{N: x.N, A: a}
	case SignExtend:
		a := simplifyOnce(x.A)
		if v, ok := a.(BitVecValue); ok {
			val := v.Value & maskFor(v.Bits)
			if v.Bits < 64 && val&(1<<uint(v.Bits-1)) != 0 {
				val |= ^maskFor(v.Bits)
			}
			return BitVecValue{Value: val & maskFor(v.Bits+x.N), Bits: v.Bits + x.N}
		}
		return SignExtend{N: x.N, A: a}
	case Concat:
		return simplifyConcat(Concat{A: simplifyOnce(x.A), B: simplifyOnce(x.B)})
	case Ite:
		c := simplifyOnce(x.Cond)
		if bv, ok := c.(BoolValue); ok {
			if bool(bv) {
				return simplifyOnce(x.Then)
			}
			return simplifyOnce(x.Else)
		}
		th, el := simplifyOnce(x.Then), simplifyOnce(x.Else)
		if Equal(th, el) {
			return th
		}
		return Ite{Cond: c, Then: th, Else: el}
	case Eq:
		a, b := simplifyOnce(x.A), simplifyOnce(x.B)
		if va, ok := a.(BitVecValue); ok {
			if vb, ok := b.(BitVecValue); ok {
				return BoolValue(va.Value&maskFor(va.Bits) == vb.Value&maskFor(vb.Bits))
			}
		}
		if Equal(a, b) {
			return BoolValue(true)
		}
		return Eq{A: a, B: b}
	case Ult:
		a, b := simplifyOnce(x.A), simplifyOnce(x.B)
		if va, ok := a.(BitVecValue); ok {
			if vb, ok := b.(BitVecValue); ok {
				return BoolValue(va.Value&maskFor(va.Bits) < vb.Value&maskFor(vb.Bits))
			}
		}
		return Ult{A: a, B: b}
	case BoolNot:
		a := simplifyOnce(x.A)
		if bv, ok := a.(BoolValue); ok {
			return BoolValue(!bool(bv))
		}
		return BoolNot{A: a}
	case BoolOp:
		args := make([]Term, 0, len(x.Args))
		for _, arg := range x.Args {
			a := simplifyOnce(arg)
			if bv, ok := a.(BoolValue); ok {
				if x.Op == "and" && !bool(bv) {
					return BoolValue(false)
				}
				if x.Op == "or" && bool(bv) {
					return BoolValue(true)
				}
				continue
			}
			args = append(args, a)
		}
		switch len(args) {
		case 0:
			return BoolValue(x.Op == "and")
		case 1:
			return args[0]
		}
		return BoolOp{Op: x.Op, Args: args}
	case Select:
		return simplifySelect(Select{Array: simplifyOnce(x.Array), Index: simplifyOnce(x.Index)})
	case Store:
		return Store{Array: simplifyOnce(x.Array), Index: simplifyOnce(x.Index), Value: simplifyOnce(x.Value)}
	}
	return t
}

func simplifyBinOp(x BinOp) Term {
	w := x.A.Sort().Bits
	va, aconst := x.A.(BitVecValue)
	vb, bconst := x.B.(BitVecValue)
	if aconst && bconst {
		a, b := va.Value&maskFor(w), vb.Value&maskFor(w)
		var r uint64
		switch x.Op {
		case "bvadd":
			r = a + b
		case "bvsub":
			r = a - b
		case "bvmul":
			r = a * b
		case "bvudiv":
			if b == 0 {
				return x // division by zero stays symbolic
			}
			r = a / b
		case "bvurem":
			if b == 0 {
				return x
			}
			r = a % b
		case "bvand":
			r = a & b
		case "bvor":
			r = a | b
		case "bvxor":
			r = a ^ b
		case "bvshl":
			if b >= uint64(w) {
				r = 0
			} else {
				r = a << b
			}
		case "bvlshr":
			if b >= uint64(w) {
				r = 0
			} else {
				r = a >> b
			}
		default:
			return x
		}
		return BitVecValue{Value: r & maskFor(w), Bits: w}
	}
	if bconst {
		b := vb.Value & maskFor(w)
		// Fold chains of constant displacements into one.
		if x.Op == "bvadd" || x.Op == "bvsub" {
			if b == 0 {
				return x.A
			}
			if ia, ok := x.A.(BinOp); ok && (ia.Op == "bvadd" || ia.Op == "bvsub") {
				if ic, ok := ia.B.(BitVecValue); ok {
					c := ic.Value & maskFor(w)
					if ia.Op == "bvsub" {
						c = -c
					}
					d := b
					if x.Op == "bvsub" {
						d = -d
					}
					return simplifyBinOp(BinOp{Op: "bvadd", A: ia.A, B: BitVecValue{Value: (c + d) & maskFor(w), Bits: w}})
				}
			}
		}
		switch {
		case b == 0 && (x.Op == "bvadd" || x.Op == "bvsub" || x.Op == "bvor" || x.Op == "bvxor" || x.Op == "bvshl" || x.Op == "bvlshr"):
			return x.A
		case b == 0 && (x.Op == "bvmul" || x.Op == "bvand"):
			return BitVecValue{Value: 0, Bits: w}
		case b == maskFor(w) && x.Op == "bvand":
			return x.A
		}
	}
	if aconst {
		a := va.Value & maskFor(w)
		switch {
		case a == 0 && (x.Op == "bvadd" || x.Op == "bvor" || x.Op == "bvxor"):
			return x.B
		case a == 0 && (x.Op == "bvmul" || x.Op == "bvand"):
			return BitVecValue{Value: 0, Bits: w}
		case a == maskFor(w) && x.Op == "bvand":
			return x.B
		}
	}
	if Equal(x.A, x.B) {
		switch x.Op {
		case "bvxor", "bvsub":
			return BitVecValue{Value: 0, Bits: w}
		case "bvand", "bvor":
			return x.A
		}
	}
	return x
}

func simplifyExtract(x Extract) Term {
	if x.Low == 0 && x.High == x.A.Sort().Bits-1 {
		return x.A
	}
	switch a := x.A.(type) {
	case BitVecValue:
		return BitVecValue{Value: (a.Value >> uint(x.Low)) & maskFor(x.High-x.Low+1), Bits: x.High - x.Low + 1}
	case Extract:
		return simplifyExtract(Extract{High: a.Low + x.High, Low: a.Low + x.Low, A: a.A})
	case ZeroExtend:
		iw := a.A.Sort().Bits
		switch {
		case x.High < iw:
			return simplifyExtract(Extract{High: x.High, Low: x.Low, A: a.A})
		case x.Low >= iw:
			return BitVecValue{Value: 0, Bits: x.High - x.Low + 1}
		}
	case Concat:
		lw := a.B.Sort().Bits
		switch {
		case x.High < lw:
			return simplifyExtract(Extract{High: x.High, Low: x.Low, A: a.B})
		case x.Low >= lw:
			return simplifyExtract(Extract{High: x.High - lw, Low: x.Low - lw, A: a.A})
		}
	case BinOp:
		// Low bits of ring operations depend only on the operands' low
		// bits, so a low extract distributes over them.
		if x.Low == 0 {
			switch a.Op {
			case "bvadd", "bvsub", "bvmul", "bvand", "bvor", "bvxor":
				return BinOp{
					Op: a.Op,
					A:  simplifyExtract(Extract{High: x.High, Low: 0, A: a.A}),
					B:  simplifyExtract(Extract{High: x.High, Low: 0, A: a.B}),
				}
			}
		}
	}
	return x
}

func simplifyConcat(x Concat) Term {
	if va, ok := x.A.(BitVecValue); ok {
		if vb, ok := x.B.(BitVecValue); ok {
			if va.Bits+vb.Bits <= 64 {
				return BitVecValue{
					Value: va.Value&maskFor(va.Bits)<<uint(vb.Bits) | vb.Value&maskFor(vb.Bits),
					Bits:  va.Bits + vb.Bits,
				}
			}
		}
	}
	// Adjacent extracts of the same term fuse.
	if ea, ok := x.A.(Extract); ok {
		if eb, ok := x.B.(Extract); ok {
			if ea.Low == eb.High+1 && Equal(ea.A, eb.A) {
				return simplifyExtract(Extract{High: ea.High, Low: eb.Low, A: ea.A})
			}
		}
	}
	if ca, ok := x.B.(Concat); ok {
		// Reassociate to expose adjacent extracts: (a ++ (b ++ c)) with
		// fusable a, b becomes ((a ++ b) ++ c).
		if fused := simplifyConcat(Concat{A: x.A, B: ca.A}); !isConcat(fused) {
			return simplifyConcat(Concat{A: fused, B: ca.B})
		}
	}
	return x
}

func isConcat(t Term) bool {
	_, ok := t.(Concat)
	return ok
}

func simplifySelect(x Select) Term {
	arr := x.Array
	for {
		st, ok := arr.(Store)
		if !ok {
			break
		}
		eq, known := indexRelation(x.Index, st.Index)
		if !known {
			break
		}
		if eq {
			return st.Value
		}
		arr = st.Array
	}
	if !Equal(arr, x.Array) {
		return Select{Array: arr, Index: x.Index}
	}
	return x
}
