// Package config loads the description of an emulated session: how the
// cores are driven, how the kernel is sized, how logging looks, and the
// guest threads to run.
//
// A session file is YAML. Every field is optional:
//
//	multicore: true
//	preemption_interval: 10ms
//	fiber_stack_size: 256KB
//	fiber_memory_limit: 64MB
//	log_level: info
//	color: auto
//	process:
//	  name: demo
//	  core_mask: 0xF
//	  priorities: {highest: 24, lowest: 59}
//	threads:
//	  - name: worker
//	    priority: 44
//	    core: 0
//	    affinity: [0, 1]
//	    count: 2
//	    program: |
//	      spin 20000
//	      svc sleep 1000000
//	      loop
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/hzcore/hzsched/arm/script"
	"github.com/hzcore/hzsched/internal/logging"
	"github.com/hzcore/hzsched/kernel"
)

// Config is one session.
type Config struct {
	MultiCore          bool     `yaml:"multicore"`
	PreemptionInterval Duration `yaml:"preemption_interval"`
	// Wall-clock period of the timing host in multicore mode.
	TimingInterval   Duration `yaml:"timing_interval"`
	FiberStackSize   Size     `yaml:"fiber_stack_size"`
	FiberMemoryLimit Size     `yaml:"fiber_memory_limit"`
	// Cycles an interpreter runs before returning to the core loop.
	SliceCycles    uint64 `yaml:"slice_cycles"`
	LogLevel       string `yaml:"log_level"`
	Color          string `yaml:"color"`
	PinHostThreads bool   `yaml:"pin_host_threads"`
	// How long the session runs before it is stopped. Zero runs until the
	// process exits.
	RunFor Duration `yaml:"run_for"`

	Process Process  `yaml:"process"`
	Threads []Thread `yaml:"threads"`
}

// Process describes the guest process owning every thread.
type Process struct {
	Name        string        `yaml:"name"`
	CoreMask    uint64        `yaml:"core_mask"`
	IdealCore   int32         `yaml:"ideal_core"`
	Priorities  PriorityRange `yaml:"priorities"`
	ThreadLimit int32         `yaml:"thread_limit"`
	Is32Bit     bool          `yaml:"is_32bit"`
}

// PriorityRange is an inclusive range of thread priorities.
type PriorityRange struct {
	Highest int32 `yaml:"highest"`
	Lowest  int32 `yaml:"lowest"`
}

// Mask returns the priority mask of the range.
func (r PriorityRange) Mask() uint64 {
	var m uint64
	for p := r.Highest; p <= r.Lowest; p++ {
		m |= 1 << p
	}
	return m
}

// Thread describes one or more identical guest threads.
type Thread struct {
	Name     string  `yaml:"name"`
	Priority int32   `yaml:"priority"`
	Core     *int32  `yaml:"core"`
	Affinity []int32 `yaml:"affinity"`
	Count    int     `yaml:"count"`
	Program  string  `yaml:"program"`

	parsed *script.Program
}

// IdealCore returns the configured core, or the process' ideal core.
func (t *Thread) IdealCore() int32 {
	if t.Core == nil {
		return kernel.IdealCoreUseProcessValue
	}
	return *t.Core
}

// AffinityMask returns the configured affinity as a virtual core mask. Zero
// means only the ideal core.
func (t *Thread) AffinityMask() uint64 {
	var m uint64
	for _, core := range t.Affinity {
		m |= 1 << core
	}
	return m
}

// Parsed returns the thread's program. It is set by Validate.
func (t *Thread) Parsed() *script.Program { return t.parsed }

// Default returns the configuration used for absent fields.
func Default() *Config {
	return &Config{
		MultiCore:          true,
		PreemptionInterval: Duration(kernel.DefaultPreemptionInterval),
		TimingInterval:     Duration(time.Millisecond),
		FiberStackSize:     Size(kernel.DefaultFiberStackSize),
		SliceCycles:        10000,
		LogLevel:           "info",
		Color:              string(logging.ColorAuto),
		Process: Process{
			Name:       "guest",
			CoreMask:   1<<kernel.NumCPUCores - 1,
			Priorities: PriorityRange{Highest: kernel.HighestThreadPriority, Lowest: kernel.LowestThreadPriority},
		},
	}
}

// Load reads and validates the session file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse decodes and validates a session file. name is used in errors.
func Parse(name string, data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, &FileError{File: name, Err: err}
	}
	if err := cfg.Validate(name); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and parses thread programs. All
// problems are reported together as Errors.
func (c *Config) Validate(name string) error {
	errs := &Errors{File: name}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs.add("log_level", "%v", err)
	}
	if _, err := logging.ParseColorMode(c.Color); err != nil {
		errs.add("color", "%v", err)
	}
	if c.PreemptionInterval <= 0 {
		errs.add("preemption_interval", "must be positive")
	}
	if c.TimingInterval <= 0 {
		errs.add("timing_interval", "must be positive")
	}
	if c.FiberStackSize == 0 {
		errs.add("fiber_stack_size", "must not be zero")
	}
	if c.FiberMemoryLimit != 0 && c.FiberMemoryLimit < c.FiberStackSize {
		errs.add("fiber_memory_limit", "%s is smaller than one stack (%s)", c.FiberMemoryLimit, c.FiberStackSize)
	}
	if c.RunFor < 0 {
		errs.add("run_for", "must not be negative")
	}

	p := &c.Process
	if p.CoreMask == 0 {
		errs.add("process.core_mask", "must not be empty")
	}
	if p.IdealCore < 0 || p.IdealCore >= 64 || p.CoreMask&(1<<p.IdealCore) == 0 {
		errs.add("process.ideal_core", "core %d is not in the core mask %#x", p.IdealCore, p.CoreMask)
	}
	pr := p.Priorities
	if pr.Highest < kernel.HighestThreadPriority || pr.Lowest > kernel.LowestThreadPriority || pr.Highest > pr.Lowest {
		errs.add("process.priorities", "range %d..%d is not within %d..%d", pr.Highest, pr.Lowest, kernel.HighestThreadPriority, kernel.LowestThreadPriority)
	}
	if p.ThreadLimit < 0 {
		errs.add("process.thread_limit", "must not be negative")
	}

	for i := range c.Threads {
		t := &c.Threads[i]
		field := fmt.Sprintf("threads[%d]", i)
		if t.Name == "" {
			t.Name = fmt.Sprintf("thread%d", i)
		}
		if t.Count == 0 {
			t.Count = 1
		}
		if t.Count < 0 {
			errs.add(field+".count", "must not be negative")
		}
		if t.Priority < pr.Highest || t.Priority > pr.Lowest {
			errs.add(field+".priority", "%d is outside the process range %d..%d", t.Priority, pr.Highest, pr.Lowest)
		}
		if core := t.IdealCore(); core != kernel.IdealCoreUseProcessValue {
			if core < 0 || core >= 64 || p.CoreMask&(1<<core) == 0 {
				errs.add(field+".core", "core %d is not in the process core mask", core)
			}
		}
		for _, core := range t.Affinity {
			if core < 0 || core >= 64 || p.CoreMask&(1<<core) == 0 {
				errs.add(field+".affinity", "core %d is not in the process core mask", core)
			}
		}
		if len(t.Affinity) != 0 && t.IdealCore() >= 0 && t.AffinityMask()&(1<<t.IdealCore()) == 0 {
			errs.add(field+".affinity", "does not contain the ideal core %d", t.IdealCore())
		}
		if strings.TrimSpace(t.Program) == "" {
			errs.add(field+".program", "is empty")
			continue
		}
		prog, err := script.Parse(t.Name, t.Program)
		if err != nil {
			errs.add(field+".program", "%v", err)
			continue
		}
		t.parsed = prog
	}

	if len(errs.Errs) != 0 {
		return errs
	}
	return nil
}

// KernelOptions returns the kernel settings of the session. The logger,
// clock and interpreters are supplied by the caller.
func (c *Config) KernelOptions() kernel.Options {
	return kernel.Options{
		MultiCore:          c.MultiCore,
		PreemptionInterval: time.Duration(c.PreemptionInterval),
		FiberStackSize:     uint64(c.FiberStackSize),
		FiberMemoryLimit:   uint64(c.FiberMemoryLimit),
	}
}

// ProcessParams returns the parameters of the guest process.
func (c *Config) ProcessParams() kernel.ProcessParams {
	return kernel.ProcessParams{
		Name:         c.Process.Name,
		CoreMask:     c.Process.CoreMask,
		PriorityMask: c.Process.Priorities.Mask(),
		IdealCore:    c.Process.IdealCore,
		ThreadLimit:  c.Process.ThreadLimit,
		Is32Bit:      c.Process.Is32Bit,
	}
}

// Duration is a time.Duration written like "10ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Size is a byte count written like "256KB" in YAML. Plain numbers are
// bytes.
type Size uint64

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	b, err := bytesize.Parse(text)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(b)
	return nil
}

func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s Size) String() string { return bytesize.ByteSize(s).String() }
