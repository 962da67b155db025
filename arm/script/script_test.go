package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hzcore/hzsched/arm"
)

type tickCounter uint64

func (t *tickCounter) AddTicks(n uint64) { *t += tickCounter(n) }

func TestParse(t *testing.T) {
	prog, err := Parse("worker", `
		# busy loop with a sleep in between
		spin 2000
		svc sleep 1000000
		set 1 0x10
		svc 0x0D 0 "44"
		loop
	`)
	require.NoError(t, err)
	require.Len(t, prog.Code, 5)
	assert.Equal(t, Instruction{Op: OpSpin, Imm: 2000}, prog.Code[0])
	assert.Equal(t, Instruction{Op: OpSVC, Imm: 0x0B, Args: []uint64{1000000}}, prog.Code[1])
	assert.Equal(t, Instruction{Op: OpSet, Imm: 1, Args: []uint64{0x10}}, prog.Code[2])
	assert.Equal(t, Instruction{Op: OpSVC, Imm: 0x0D, Args: []uint64{0, 44}}, prog.Code[3])
	assert.Equal(t, Instruction{Op: OpJump}, prog.Code[4])
}

func TestParseErrors(t *testing.T) {
	for _, text := range []string{
		"frobnicate",
		"spin",
		"set 40 1",
		"svc nosuchcall",
		"jump 7",
		"nop 1",
		`spin "unterminated`,
	} {
		if _, err := Parse("bad", text); err == nil {
			t.Errorf("Parse(%q) returned no error", text)
		}
	}
}

func TestParseSuggestions(t *testing.T) {
	for _, tc := range []struct {
		text, want string
	}{
		{"spn 10", `unknown instruction "spn" (did you mean "spin"?)`},
		{"svc sleap 10", `unknown supervisor call "sleap" (did you mean "sleep"?)`},
		{"svc exitthred", `(did you mean "exitthread"?)`},
		{"svc setthreadpriorty 0 1", `(did you mean "setthreadpriority"?)`},
	} {
		_, err := Parse("p", tc.text)
		if assert.Error(t, err, tc.text) {
			assert.Contains(t, err.Error(), tc.want)
		}
	}

	_, err := Parse("p", "frobnicate")
	if assert.Error(t, err) {
		assert.NotContains(t, err.Error(), "did you mean")
	}
}

func TestRunUntilSupervisorCall(t *testing.T) {
	image := NewImage(0x8000000)
	entry, err := image.Load(MustParse("t", "spin 500\nsvc sleep 42\nloop"))
	require.NoError(t, err)

	var ticks tickCounter
	cpu := NewCPU(image, &ticks, 10000)
	cpu.SetPC(entry)

	halt := cpu.Run()
	assert.True(t, halt.Has(arm.SupervisorCall))
	assert.Equal(t, uint32(0x0B), cpu.GetSVCNumber())
	assert.Equal(t, uint64(42), cpu.GetReg(0))
	assert.Equal(t, tickCounter(501), ticks)
	assert.Equal(t, uint64(501), cpu.Cycles())

	// The loop brings execution back around to the call.
	halt = cpu.Run()
	assert.True(t, halt.Has(arm.SupervisorCall))
	assert.Equal(t, entry+instSize*2, cpu.GetPC())
}

func TestRunStopsOnInterruptAndSlice(t *testing.T) {
	image := NewImage(0)
	entry, err := image.Load(MustParse("spinner", "spin 100\nloop"))
	require.NoError(t, err)

	cpu := NewCPU(image, nil, 1000)
	cpu.SetPC(entry)
	assert.Equal(t, arm.HaltReason(0), cpu.Run())
	assert.GreaterOrEqual(t, cpu.Cycles(), uint64(1000))

	cpu.SignalInterrupt()
	assert.True(t, cpu.Run().Has(arm.BreakLoop))
	cpu.ClearInterrupt()
	assert.Equal(t, arm.HaltReason(0), cpu.Run())
}

func TestFallingOffTheEndExits(t *testing.T) {
	image := NewImage(0)
	entry, err := image.Load(MustParse("short", "nop"))
	require.NoError(t, err)
	cpu := NewCPU(image, nil, 0)
	cpu.SetPC(entry)
	assert.True(t, cpu.Run().Has(arm.SupervisorCall))
	assert.Equal(t, uint32(ExitThreadSVC), cpu.GetSVCNumber())
}

func TestContextRoundTrip(t *testing.T) {
	image := NewImage(0)
	entry, err := image.Load(MustParse("ctx", "set 3 7\nldrex\nbrk"))
	require.NoError(t, err)
	cpu := NewCPU(image, nil, 0)
	cpu.SetPC(entry)
	cpu.SetTPIDREL0(0xabc)
	assert.True(t, cpu.Run().Has(arm.InstructionBreakpoint))

	var ctx arm.ThreadContext64
	cpu.SaveContext64(&ctx)
	assert.Equal(t, uint64(7), ctx.CPURegisters[3])
	assert.Equal(t, uint64(0xabc), ctx.TPIDR)

	other := NewCPU(image, nil, 0)
	other.LoadContext64(&ctx)
	assert.Equal(t, cpu.GetPC(), other.GetPC())
	assert.Equal(t, uint64(7), other.GetReg(3))
}

func TestExclusiveMonitor(t *testing.T) {
	image := NewImage(0)
	entry, err := image.Load(MustParse("excl", "ldrex\nstrex\nldrex\nbrk\nstrex\nbrk"))
	require.NoError(t, err)
	cpu := NewCPU(image, nil, 0)
	cpu.SetPC(entry)

	cpu.Run()
	// The first pair succeeded before the breakpoint.
	cpu.ClearExclusiveState()
	cpu.SetPC(cpu.GetPC() + instSize)
	cpu.Run()
	assert.Equal(t, uint64(1), cpu.GetReg(0), "store-exclusive after a clear must fail")
}
