// Command aehdprobe opens the AEHD kernel driver, reports its capabilities
// and optionally spins up scratch vCPUs to exercise the execution path. It
// exists to check a host before pointing a real machine at the driver.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmaccel/internal/hv"
	"github.com/tinyrange/vmaccel/internal/hv/aehd"
	"github.com/tinyrange/vmaccel/internal/hv/aehd/x86"
)

// probeConfig is the optional YAML config for the probe run.
type probeConfig struct {
	// SMPCPUs is the number of scratch vCPUs to create.
	SMPCPUs int `yaml:"smp_cpus"`
	// MaxCPUs is the hotpluggable ceiling to validate against the driver.
	MaxCPUs int `yaml:"max_cpus"`
	// Slices is how many execution slices each vCPU attempts.
	Slices int `yaml:"slices"`
	// InterruptSupport creates the in-kernel irqchip and probes routing.
	InterruptSupport bool `yaml:"interrupt_support"`
}

func defaultConfig() probeConfig {
	return probeConfig{
		SMPCPUs:          1,
		MaxCPUs:          1,
		Slices:           1,
		InterruptSupport: true,
	}
}

func loadConfig(path string) (probeConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// nullBus absorbs all guest accesses; reads return zeros.
type nullBus struct{}

func (nullBus) Read(addr uint64, p []byte) error {
	for i := range p {
		p[i] = 0
	}
	return nil
}

func (nullBus) Write(addr uint64, p []byte) error { return nil }

// probeControl logs lifecycle requests instead of acting on them; the
// probe has no machine to reset.
type probeControl struct{}

func (probeControl) RequestGuestReset() { slog.Info("guest requested reset") }

func (probeControl) RequestShutdown() { slog.Info("guest requested shutdown") }

func (probeControl) GuestPanicked() { slog.Warn("guest panicked") }

func (probeControl) StopMachine() { slog.Error("machine stopped on hard failure") }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aehdprobe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML probe configuration")
	profileMode := flag.String("profile", "", "Write a cpu or mem profile")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	switch *profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	case "":
	default:
		return fmt.Errorf("unknown profile mode %q", *profileMode)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	var bus nullBus
	arch := x86.New(bus)

	s, err := aehd.Open(aehd.Config{
		Arch:             arch,
		PortIO:           bus,
		Memory:           bus,
		Control:          probeControl{},
		SMPCPUs:          cfg.SMPCPUs,
		MaxCPUs:          cfg.MaxCPUs,
		InterruptSupport: cfg.InterruptSupport,
	})
	if errors.Is(err, hv.ErrAcceleratorUnsupported) {
		return fmt.Errorf("the AEHD driver is not available on %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	if err != nil {
		return err
	}

	slog.Info("driver capabilities", "maxVCPUs", s.MaxVCPUs())

	if cfg.InterruptSupport {
		status, err := s.SendMSI(hv.MSIMessage{Address: 0xfee00000, Data: 0x4041})
		if err != nil {
			return fmt.Errorf("probe MSI delivery: %w", err)
		}
		slog.Info("MSI probe delivered", "status", status)
	}

	g := new(errgroup.Group)
	for id := 0; id < cfg.SMPCPUs; id++ {
		id := uint64(id)
		g.Go(func() error {
			v, err := s.InitVCPU(id)
			if err != nil {
				return err
			}
			defer v.Destroy()

			if err := v.SynchronizePostInit(); err != nil {
				return err
			}

			for i := 0; i < cfg.Slices; i++ {
				err := s.Exec(v)
				switch {
				case errors.Is(err, hv.ErrInterrupted):
					slog.Debug("vcpu interrupted", "id", id, "slice", i)
				case errors.Is(err, hv.ErrVMHalted):
					slog.Debug("vcpu halted", "id", id, "slice", i)
					return nil
				case err != nil:
					return fmt.Errorf("vcpu %d: %w", id, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("probe complete", "vcpus", cfg.SMPCPUs)
	return nil
}
