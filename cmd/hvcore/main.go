package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/hvcore/internal/hv/notify"
	"github.com/tinyrange/hvcore/internal/hv/pcpu"
	"github.com/tinyrange/hvcore/internal/hv/tee"
	"github.com/tinyrange/hvcore/internal/hv/virq"
	"github.com/tinyrange/hvcore/internal/hv/vm"
	"github.com/tinyrange/hvcore/internal/hv/vmcfg"
	"github.com/tinyrange/hvcore/internal/timeslice"
)

var tsOverall = timeslice.RegisterKind("hvcore::overall", 0)

var errNoCPUs = errors.New("no physical cpus running")

// activeCPUs is the set of the run in progress. The process-wide kicker
// routes through it so run can be called more than once.
var activeCPUs atomic.Pointer[pcpu.Set]

func kickActive(id int) error {
	cpus := activeCPUs.Load()
	if cpus == nil {
		return errNoCPUs
	}
	return cpus.Kick(id)
}

func installKicker() error {
	return notify.Install(notify.KickerFunc(kickActive))
}

type options struct {
	config      string
	writeConfig string
	rounds      int
	payload     int
	timeout     time.Duration
	trace       string
	debug       bool
}

func setupLogging(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: debug}

	var h slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func loadConfig(o options) (vmcfg.Config, error) {
	if o.config == "" {
		return vmcfg.DefaultPair(), nil
	}
	return vmcfg.Load(o.config)
}

func run(ctx context.Context, o options, log *slog.Logger) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if o.writeConfig != "" {
		return vmcfg.Write(o.writeConfig, cfg)
	}
	if o.payload < 2 || o.payload > tee.MaxRequestSize {
		return fmt.Errorf("payload must be between 2 and %d bytes", tee.MaxRequestSize)
	}

	if o.trace != "" {
		f, err := os.Create(o.trace)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()

		closer, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("start trace: %w", err)
		}
		defer func() {
			if err := closer.Close(); err != nil {
				log.Warn("trace incomplete", "error", err)
			}
		}()
	}

	dir := vm.NewDirectory(log)
	defer dir.Close()

	cpus := pcpu.NewSet(cfg.NumPCPUs(), pcpu.Handlers{
		Injector: &virq.Injector{},
		Switcher: tee.NewSwitcher(dir, log, o.timeout),
	}, log)
	if !activeCPUs.CompareAndSwap(nil, cpus) {
		return fmt.Errorf("another run is in progress")
	}
	defer activeCPUs.Store(nil)
	if err := dir.Boot(cfg); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	var clients []*clientGuest
	total := 0
	for _, m := range dir.VMs() {
		if m.IsREE() {
			total += o.rounds * len(m.VCPUs())
		}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("round trips"),
		progressbar.OptionSetVisibility(term.IsTerminal(int(os.Stderr.Fd()))),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
	)
	defer bar.Close()

	start := time.Now()

	// TEE loops run until every REE has finished its rounds. A failed TEE
	// loop stops the REEs, which would otherwise stay blocked.
	teeCtx, stopTEE := context.WithCancel(ctx)
	defer stopTEE()
	reeCtx, stopREE := context.WithCancel(ctx)
	defer stopREE()
	var servers errgroup.Group
	clientsGroup, clientCtx := errgroup.WithContext(reeCtx)

	for _, m := range dir.VMs() {
		for _, v := range m.VCPUs() {
			cpu := cpus.CPU(v.PCPU())
			switch {
			case m.IsTEE():
				servers.Go(func() error {
					err := cpu.RunVCPU(teeCtx, v, serverGuest{})
					if err == nil || errors.Is(err, context.Canceled) {
						return nil
					}
					stopREE()
					return err
				})
			case m.IsREE():
				g := &clientGuest{
					rounds:  o.rounds,
					size:    o.payload,
					onRound: func() { bar.Add(1) },
				}
				clients = append(clients, g)
				clientsGroup.Go(func() error {
					return cpu.RunVCPU(clientCtx, v, g)
				})
			default:
				log.Info("vm has no guest program, not running it", "vm", m.ID())
			}
		}
	}

	clientErr := clientsGroup.Wait()
	stopTEE()
	serverErr := servers.Wait()
	if err := errors.Join(clientErr, serverErr); err != nil {
		return err
	}

	elapsed := time.Since(start)
	timeslice.Record(tsOverall, elapsed)

	done := 0
	for _, g := range clients {
		done += g.done
	}
	var switches uint64
	for _, m := range dir.VMs() {
		for _, v := range m.VCPUs() {
			switches += v.Stats.Switches.Load()
		}
	}
	log.Info("completed",
		"round_trips", done,
		"switches", switches,
		"elapsed", elapsed,
		"per_round_trip", elapsed/time.Duration(max(done, 1)),
	)
	return nil
}

func main() {
	var o options
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.config, "config", "", "VM set definition (YAML); defaults to one REE/TEE pair")
	fs.StringVar(&o.writeConfig, "write-config", "", "write the effective VM set to this path and exit")
	fs.IntVar(&o.rounds, "rounds", 1000, "round trips per REE vcpu")
	fs.IntVar(&o.payload, "payload", 64, "request size in bytes")
	fs.DurationVar(&o.timeout, "mailbox-timeout", tee.DefaultMailboxTimeout, "how long a switch waits for a companion mailbox")
	fs.StringVar(&o.trace, "trace", "", "record a timeslice trace to this file")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	log := setupLogging(o.debug)
	if err := installKicker(); err != nil {
		fmt.Fprintf(os.Stderr, "hvcore: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, log); err != nil {
		fmt.Fprintf(os.Stderr, "hvcore: %v\n", err)
		os.Exit(1)
	}
}
