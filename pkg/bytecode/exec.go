package bytecode

import "fmt"

// Run evaluates code to completion or to the first failure. Jumps may
// target any instruction boundary in [0, len(code)]; landing exactly on
// len(code) ends evaluation. Run fails with StepLimitExceeded once the
// configured number of instructions has executed.
func (m *Machine) Run(code []byte) error {
	if m.used {
		return &Error{Errno: InvalidOperation, PC: -1, Detail: "machine already used"}
	}
	m.used = true
	m.codeLen = len(code)
	defer func() {
		m.pc = -1
	}()

	for pc := 0; pc < len(code); {
		m.pc = pc
		if m.steps >= m.stepLimit {
			m.op = Opcode(code[pc])
			return m.fail(StepLimitExceeded, fmt.Sprintf("%d instructions", m.stepLimit))
		}

		in, err := Decode(code, pc, m.addrSize)
		if err != nil {
			if e, ok := err.(*Error); ok {
				e.Stack = m.Stack()
			}
			return err
		}

		if m.Trace {
			log.Debugf("[%04X] %-12s depth=%d", pc, in.Op, len(m.stack))
		}

		next, err := m.exec(in)
		if err != nil {
			return err
		}
		m.steps++
		pc = next
	}
	return nil
}

// RunExpression evaluates a length-prefixed expression.
func (m *Machine) RunExpression(expr []byte) error {
	body, _, err := SplitExpression(expr)
	if err != nil {
		return err
	}
	return m.Run(body)
}

// exec performs one decoded instruction and returns the offset of the next.
func (m *Machine) exec(in Instruction) (int, error) {
	m.op = in.Op
	next := in.Next()

	switch op := in.Op; {
	case op.IsLiteral():
		m.PushUint(uint64(op - OpLit0))
		return next, nil
	case op.IsBreg():
		return next, m.Breg(uint64(op-OpBreg0), in.SignedArg(0))
	case !GetOpcodeInfo(op).Evaluable:
		return 0, m.fail(InvalidOperation, fmt.Sprintf("%s needs a debugger context", op))
	}

	var err error
	switch in.Op {
	// ============ Literal encodings ============
	case OpAddr, OpConst1u, OpConst2u, OpConst4u, OpConst8u, OpConstu:
		m.PushUint(in.Arg(0))
	case OpConst1s, OpConst2s, OpConst4s, OpConst8s, OpConsts:
		m.PushInt(in.SignedArg(0))

	// ============ Memory ============
	case OpDeref:
		err = m.Deref()
	case OpDerefSize:
		err = m.DerefSize(uint8(in.Arg(0)))

	// ============ Stack manipulation ============
	case OpDup:
		err = m.Dup()
	case OpDrop:
		err = m.Drop()
	case OpOver:
		err = m.Over()
	case OpPick:
		err = m.Pick(uint8(in.Arg(0)))
	case OpSwap:
		err = m.Swap()
	case OpRot:
		err = m.Rot()

	// ============ Arithmetic ============
	case OpAbs:
		err = m.Abs()
	case OpAnd:
		err = m.And()
	case OpDiv:
		err = m.Div()
	case OpMinus:
		err = m.Minus()
	case OpMod:
		err = m.Mod()
	case OpMul:
		err = m.Mul()
	case OpNeg:
		err = m.Neg()
	case OpNot:
		err = m.Not()
	case OpOr:
		err = m.Or()
	case OpPlus:
		err = m.Plus()
	case OpPlusUconst:
		err = m.PlusUconst(in.Arg(0))
	case OpShl:
		err = m.Shl()
	case OpShr:
		err = m.Shr()
	case OpShra:
		err = m.Shra()
	case OpXor:
		err = m.Xor()

	// ============ Comparison ============
	case OpEq:
		err = m.Eq()
	case OpGe:
		err = m.Ge()
	case OpGt:
		err = m.Gt()
	case OpLe:
		err = m.Le()
	case OpLt:
		err = m.Lt()
	case OpNe:
		err = m.Ne()

	// ============ Control flow ============
	case OpSkip:
		return m.jump(in)
	case OpBra:
		if err := m.need(1); err != nil {
			return 0, err
		}
		if m.peek(0).Sign() == 0 {
			m.stack = m.stack[:len(m.stack)-1]
			return next, nil
		}
		target, err := m.jump(in)
		if err != nil {
			return 0, err
		}
		m.stack = m.stack[:len(m.stack)-1]
		return target, nil

	// ============ Registers ============
	case OpBregx:
		err = m.Breg(in.Arg(0), in.SignedArg(1))
	case OpFbreg:
		err = m.Fbreg(in.SignedArg(0))

	case OpNop:
		// Do nothing

	default:
		err = m.fail(InvalidOperation, fmt.Sprintf("unhandled opcode 0x%02X", byte(in.Op)))
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

// jump validates and returns the destination of a bra or skip.
func (m *Machine) jump(in Instruction) (int, error) {
	target := in.Target()
	if target < 0 || target > m.codeLen {
		return 0, m.fail(InvalidOperation, fmt.Sprintf("jump target %d outside [0, %d]", target, m.codeLen))
	}
	return target, nil
}
