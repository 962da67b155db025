package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hzcore/hzsched/arm"
	"github.com/hzcore/hzsched/arm/script"
	"github.com/hzcore/hzsched/config"
	"github.com/hzcore/hzsched/cpu"
	"github.com/hzcore/hzsched/kernel"
	"github.com/hzcore/hzsched/metrics"
	"github.com/hzcore/hzsched/timing"
)

// Guest programs are loaded from here upwards.
const imageBase = 0x80000000

// How often wait checks whether the process is gone.
const pollInterval = 10 * time.Millisecond

// A session is one kernel running the threads of a configuration.
type session struct {
	cfg *config.Config
	log *slog.Logger

	image *script.Image
	k     *kernel.Kernel
	m     *cpu.Manager
	p     *kernel.Process
	// Host identity used to create and start guest threads.
	loader *kernel.Thread
}

func newSession(cfg *config.Config, log *slog.Logger) (*session, error) {
	s := &session{cfg: cfg, log: log, image: script.NewImage(imageBase)}

	tm := timing.New(log)
	opts := cfg.KernelOptions()
	opts.Logger = log
	opts.Timing = tm
	opts.NewCPU = func(int32) arm.Interface {
		return script.NewCPU(s.image, tm, cfg.SliceCycles)
	}
	var err error
	if s.k, err = kernel.New(opts); err != nil {
		return nil, err
	}
	s.m, err = cpu.NewManager(s.k, cpu.Options{
		TimingInterval: time.Duration(cfg.TimingInterval),
		PinHostThreads: cfg.PinHostThreads,
	})
	if err != nil {
		s.k.Shutdown()
		return nil, err
	}
	if s.p, err = s.k.NewProcess(cfg.ProcessParams()); err != nil {
		s.k.Shutdown()
		return nil, err
	}
	s.loader = s.k.NewDummyThread("loader")
	return s, nil
}

// start launches the cores and then every configured thread.
func (s *session) start() error {
	if err := s.m.Start(); err != nil {
		return err
	}
	for i := range s.cfg.Threads {
		tc := &s.cfg.Threads[i]
		entry, err := s.image.Load(tc.Parsed())
		if err != nil {
			return fmt.Errorf("loading %s: %w", tc.Name, err)
		}
		for n := 0; n < tc.Count; n++ {
			name := tc.Name
			if tc.Count > 1 {
				name = fmt.Sprintf("%s.%d", tc.Name, n)
			}
			if err := s.spawn(tc, name, entry); err != nil {
				return fmt.Errorf("starting %s: %w", name, err)
			}
		}
	}
	s.log.Info("session started", "process", s.p.Name(), "threads", len(s.p.GetThreadList()))
	return nil
}

func (s *session) spawn(tc *config.Thread, name string, entry uint64) error {
	th, err := s.k.NewUserThread(s.loader, s.p, kernel.ThreadParams{
		Name:     name,
		Entry:    entry,
		Priority: tc.Priority,
		Core:     tc.IdealCore(),
	})
	if err != nil {
		return err
	}
	if len(tc.Affinity) != 0 {
		core := int32(kernel.IdealCoreNoUpdate)
		if tc.Core != nil {
			core = *tc.Core
		}
		if err := th.SetCoreMask(s.loader, core, tc.AffinityMask()); err != nil {
			return err
		}
	}
	return th.Run(s.loader)
}

// wait blocks until the process has no threads left, the configured run
// time is over or ctx is done. It reports whether the process finished.
func (s *session) wait(ctx context.Context) bool {
	if d := time.Duration(s.cfg.RunFor); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if len(s.p.GetThreadList()) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// stop returns every core to its host thread and shuts the kernel down.
func (s *session) stop() {
	s.m.Shutdown()
}

func (s *session) source() metrics.Source {
	return metrics.Source{Kernel: s.k, Manager: s.m}
}
