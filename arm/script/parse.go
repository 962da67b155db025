package script

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/google/shlex"
)

// Opcode is a scripted instruction.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpSpin
	OpSet
	OpSVC
	OpJump
	OpLoadExclusive
	OpStoreExclusive
	OpBreak
)

var opcodeNames = map[string]Opcode{
	"nop":   OpNop,
	"spin":  OpSpin,
	"set":   OpSet,
	"svc":   OpSVC,
	"jump":  OpJump,
	"loop":  OpJump,
	"ldrex": OpLoadExclusive,
	"strex": OpStoreExclusive,
	"brk":   OpBreak,
}

// Supervisor call mnemonics accepted after "svc". Numeric immediates work as
// well.
var svcNames = map[string]uint32{
	"exitprocess":               0x07,
	"exitthread":                0x0A,
	"sleepthread":               0x0B,
	"sleep":                     0x0B,
	"getthreadpriority":         0x0C,
	"setthreadpriority":         0x0D,
	"getthreadcoremask":         0x0E,
	"setthreadcoremask":         0x0F,
	"getcurrentprocessornumber": 0x10,
	"arbitratelock":             0x1A,
	"arbitrateunlock":           0x1B,
	"waitprocesswidekeyatomic":  0x1C,
	"signalprocesswidekey":      0x1D,
	"setthreadactivity":         0x32,
}

// ExitThreadSVC is issued implicitly when execution runs off the end of a
// program.
const ExitThreadSVC = 0x0A

// Instruction is one decoded line of a program.
type Instruction struct {
	Op   Opcode
	Imm  uint64
	Args []uint64
}

// Program is a parsed script.
type Program struct {
	Name string
	Code []Instruction
}

// Parse decodes program text. Each line holds one instruction whose
// operands are split with shell quoting rules; '#' starts a comment.
//
//	spin 20000          # consume cycles
//	set 0 5             # x0 = 5
//	svc sleep 1000000   # x0 = 1000000, then supervisor call 0x0B
//	ldrex               # take an exclusive reservation
//	strex               # x0 = 0 if the reservation held, else 1
//	loop                # jump back to the first instruction
//	jump 3              # jump to instruction 3
//	brk                 # stop with a breakpoint
func Parse(name, text string) (*Program, error) {
	prog := &Program{Name: name}
	for lineno, line := range strings.Split(text, "\n") {
		words, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineno+1, err)
		}
		if len(words) == 0 {
			continue
		}
		inst, err := parseInstruction(words)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineno+1, err)
		}
		prog.Code = append(prog.Code, inst)
	}
	for i, inst := range prog.Code {
		if inst.Op == OpJump && inst.Imm >= uint64(len(prog.Code)) {
			return nil, fmt.Errorf("%s: instruction %d jumps out of the program", name, i)
		}
	}
	return prog, nil
}

// MustParse is like Parse but panics on error.
func MustParse(name, text string) *Program {
	prog, err := Parse(name, text)
	if err != nil {
		panic(err)
	}
	return prog
}

func parseInstruction(words []string) (Instruction, error) {
	op, ok := opcodeNames[strings.ToLower(words[0])]
	if !ok {
		return Instruction{}, fmt.Errorf("unknown instruction %q%s", words[0], suggest(words[0], opcodeNames))
	}
	inst := Instruction{Op: op}
	args := words[1:]
	switch op {
	case OpNop, OpLoadExclusive, OpStoreExclusive, OpBreak:
		if len(args) != 0 {
			return inst, fmt.Errorf("%s takes no operands", words[0])
		}
	case OpSpin:
		if len(args) != 1 {
			return inst, fmt.Errorf("spin takes one operand")
		}
		n, err := parseNumber(args[0])
		if err != nil {
			return inst, err
		}
		inst.Imm = n
	case OpSet:
		if len(args) != 2 {
			return inst, fmt.Errorf("set takes a register and a value")
		}
		reg, err := parseNumber(args[0])
		if err != nil {
			return inst, err
		}
		if reg > 30 {
			return inst, fmt.Errorf("register x%d does not exist", reg)
		}
		val, err := parseNumber(args[1])
		if err != nil {
			return inst, err
		}
		inst.Imm = reg
		inst.Args = []uint64{val}
	case OpSVC:
		if len(args) == 0 || len(args) > 9 {
			return inst, fmt.Errorf("svc takes a call and up to eight arguments")
		}
		num, ok := svcNames[strings.ToLower(args[0])]
		if !ok {
			n, err := parseNumber(args[0])
			if err != nil {
				return inst, fmt.Errorf("unknown supervisor call %q%s", args[0], suggest(args[0], svcNames))
			}
			num = uint32(n)
		}
		inst.Imm = uint64(num)
		for _, a := range args[1:] {
			v, err := parseNumber(a)
			if err != nil {
				return inst, err
			}
			inst.Args = append(inst.Args, v)
		}
	case OpJump:
		if strings.EqualFold(words[0], "loop") {
			if len(args) != 0 {
				return inst, fmt.Errorf("loop takes no operands")
			}
			break
		}
		if len(args) != 1 {
			return inst, fmt.Errorf("jump takes one operand")
		}
		n, err := parseNumber(args[0])
		if err != nil {
			return inst, err
		}
		inst.Imm = n
	}
	return inst, nil
}

// Numbers may be decimal, 0x hex, or negative (stored two's complement).
func parseNumber(s string) (uint64, error) {
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad number %q", s)
		}
		return uint64(v), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

// suggest returns a "did you mean" hint naming the closest known mnemonic,
// or nothing when no name is close enough to be a likely typo.
func suggest[V any](word string, known map[string]V) string {
	word = strings.ToLower(word)
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestDist := "", len(word)/3+1
	for _, name := range names {
		if d := levenshtein.ComputeDistance(word, name); d < bestDist {
			best, bestDist = name, d
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(" (did you mean %q?)", best)
}
