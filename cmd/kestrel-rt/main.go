// Package main provides the kestrel-rt driver: it loads the runtime config,
// starts a scheduler pool, runs a configurable message workload against it,
// and serves the inspector while the workload runs.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-lang/kestrel/internal/config"
	"github.com/kestrel-lang/kestrel/internal/inspect"
	"github.com/kestrel-lang/kestrel/internal/runtime"
)

type counter struct {
	n atomic.Int64
}

func (c *counter) Trace(*runtime.ObjectStack) {}

func main() {
	var (
		cfgPath  = flag.String("config", "", "runtime config file (toml)")
		mode     = flag.String("mode", "ping", "workload: ping | fanin | overload")
		cowns    = flag.Int("cowns", 64, "number of cowns in the workload")
		messages = flag.Int("messages", 100000, "messages to send")
		wait     = flag.Duration("wait", 30*time.Second, "workload completion timeout")
	)
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "kestrel-rt:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	scfg := runtime.DefaultConfig()
	if cfg.Scheduler.Workers > 0 {
		scfg.Workers = cfg.Scheduler.Workers
	}
	if cfg.Scheduler.RunqueueCapacity > 0 {
		scfg.RunqueueCapacity = uint64(cfg.Scheduler.RunqueueCapacity)
	}
	scfg.OverloadThreshold = cfg.Scheduler.OverloadThreshold
	scfg.PinWorkers = cfg.Scheduler.PinWorkers

	if cfg.Trace.RingSize > 0 {
		runtime.EnableTracing(cfg.Trace.RingSize)
	}

	sched := runtime.NewScheduler(scfg)
	sched.Start()

	if *cfgPath != "" {
		stop, err := config.Watch(*cfgPath, func(next *config.Config) {
			sched.SetOverloadThreshold(next.Scheduler.OverloadThreshold)
		}, func(err error) {
			fmt.Fprintln(os.Stderr, "kestrel-rt: config reload:", err)
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "kestrel-rt: config watch:", err)
		} else {
			defer func() { _ = stop() }()
		}
	}

	if cfg.Inspector.Addr != "" {
		if err := startInspector(sched, cfg.Inspector); err != nil {
			fmt.Fprintln(os.Stderr, "kestrel-rt: inspector:", err)
			os.Exit(1)
		}
	}

	start := time.Now()
	done, err := runWorkload(sched, *mode, *cowns, *messages, *wait)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kestrel-rt:", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	snap := sched.Snapshot()
	fmt.Printf("mode=%s messages=%d done=%d elapsed=%s rate=%.0f/s\n",
		*mode, *messages, done, elapsed.Round(time.Millisecond),
		float64(done)/elapsed.Seconds())
	for _, w := range snap.Workers {
		fmt.Printf("worker %d: processed=%d cowns=%d queue=%d\n",
			w.Index, w.Processed, w.TotalCowns, w.QueueLen)
	}

	sched.Stop()
}

func startInspector(sched *runtime.Scheduler, cfg config.Inspector) error {
	if !cfg.HTTP3 {
		addr, _, err := inspect.Start(sched, cfg.Addr)
		if err != nil {
			return err
		}
		fmt.Println("inspector listening on", addr)
		return nil
	}

	var tlsCfg *tls.Config
	var err error
	if cfg.CertFile != "" {
		tlsCfg, err = inspect.LoadTLSConfig(cfg.CertFile, cfg.KeyFile)
	} else {
		tlsCfg, err = inspect.GenerateSelfSignedTLS([]string{"localhost", "127.0.0.1"}, 0)
	}
	if err != nil {
		return err
	}
	srv := inspect.NewHTTP3Server(cfg.Addr, tlsCfg, inspect.Handler(sched))
	addr, err := srv.Start()
	if err != nil {
		return err
	}
	fmt.Println("inspector listening on", addr, "(http/3)")
	return nil
}

func runWorkload(sched *runtime.Scheduler, mode string, cowns, messages int, wait time.Duration) (int64, error) {
	var ran counter

	targets := make([]*runtime.Cown, cowns)
	for i := range targets {
		targets[i] = sched.NewCown(&counter{})
	}

	g := new(errgroup.Group)
	g.SetLimit(8)

	switch mode {
	case "ping":
		for i := 0; i < messages; i++ {
			c := targets[i%len(targets)]
			g.Go(func() error {
				runtime.Schedule(runtime.BehaviourFunc(func() {
					ran.n.Add(1)
				}), c)
				return nil
			})
		}
	case "fanin":
		// Every message needs the shared sink plus one source, exercising
		// the multi-cown acquisition path.
		sink := targets[0]
		for i := 0; i < messages; i++ {
			src := targets[1+i%(len(targets)-1)]
			g.Go(func() error {
				runtime.Schedule(runtime.BehaviourFunc(func() {
					ran.n.Add(1)
				}), src, sink)
				return nil
			})
		}
	case "overload":
		// One hot receiver takes every message, driving its load accounting
		// and overload flag. The sends come from outside any behaviour, so
		// no backpressure scan runs and no sender is muted.
		hot := targets[0]
		for i := 0; i < messages; i++ {
			g.Go(func() error {
				runtime.Schedule(runtime.BehaviourFunc(func() {
					ran.n.Add(1)
				}), hot)
				return nil
			})
		}
	default:
		return 0, fmt.Errorf("unknown mode %q", mode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()
	select {
	case err := <-errCh:
		if err != nil {
			return ran.n.Load(), err
		}
	case <-ctx.Done():
		return ran.n.Load(), fmt.Errorf("workload send timed out after %s", wait)
	}

	deadline := time.Now().Add(wait)
	for ran.n.Load() < int64(messages) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := ran.n.Load(); got < int64(messages) {
		return got, fmt.Errorf("workload incomplete: %d of %d behaviours ran", got, messages)
	}
	return ran.n.Load(), nil
}
