//go:build unix

// Command cipc-sim runs the CHUB and AP sides of a CIPC map as goroutines over
// one shared memory block and pushes events and payloads both ways.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/cipc/kernel/cipc"
	"github.com/nmxmxh/cipc/kernel/mailbox"
	"github.com/nmxmxh/cipc/kernel/sram"
	"github.com/nmxmxh/cipc/kernel/utils"
)

const (
	bootParamOffset = 0
	apMailboxOffset = 0x100
	dspMailboxOff   = 0x110
)

type options struct {
	configPath  string
	shmPath     string
	sramSize    uint32
	ipcStart    uint32
	events      int
	payloads    int
	payloadSize int
	metricsAddr string
	dumpPath    string
	compress    bool
	logLevel    string
	abox        bool
	timeout     time.Duration
}

func parseFlags() options {
	var o options
	flag.StringVarP(&o.configPath, "config", "c", "", "YAML config applied to both cores")
	flag.StringVar(&o.shmPath, "shm", "", "back SRAM with this mmap file instead of process memory")
	flag.Lookup("shm").NoOptDefVal = sram.DefaultSharedMemoryPath()
	flag.Uint32Var(&o.sramSize, "sram-size", 128*1024, "SRAM block size in bytes")
	flag.Uint32Var(&o.ipcStart, "ipc-start", 0x1000, "offset of the IPC area")
	flag.IntVar(&o.events, "events", 1000, "events CHUB sends to AP")
	flag.IntVar(&o.payloads, "payloads", 1000, "payloads AP sends to CHUB")
	flag.IntVar(&o.payloadSize, "payload-size", 64, "payload size in bytes")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	flag.StringVar(&o.dumpPath, "dump", "", "write a post-mortem dump to this file")
	flag.BoolVar(&o.compress, "compress", true, "brotli-compress the dump")
	flag.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.BoolVar(&o.abox, "abox", false, "also bring up an ABOX core that opens its own session")
	flag.DurationVar(&o.timeout, "timeout", 30*time.Second, "give up after this long")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()
	log := utils.NewLogger(utils.LoggerConfig{
		Level:     utils.ParseLevel(o.logLevel),
		Component: "cipc-sim",
		Colorize:  true,
	})
	utils.SetGlobalLogger(log)

	if err := run(o, log); err != nil {
		log.Error("Simulation failed", utils.Err(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(o options, log *utils.Logger) error {
	log = log.With(utils.String("session", utils.ShortID()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	shutdown := utils.NewGracefulShutdown(5*time.Second, log.Named("shutdown"))
	defer func() {
		if err := shutdown.Shutdown(context.Background()); err != nil {
			log.Warn("Shutdown incomplete", utils.Err(err))
		}
	}()

	mem, err := openMemory(o, log)
	if err != nil {
		return err
	}
	shutdown.Register("sram", func() error {
		if s, ok := mem.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				log.Warn("SRAM flush failed", utils.Err(err))
			}
		}
		return mem.Close()
	})

	// the boot stage runs before any core
	if err := cipc.WriteBootParams(mem, bootParamOffset, cipc.BootParams{
		IPCStart: o.ipcStart,
		IPCEnd:   o.sramSize,
	}); err != nil {
		return err
	}

	base := cipc.DefaultConfig()
	if o.configPath != "" {
		if base, err = cipc.LoadConfig(o.configPath); err != nil {
			return err
		}
	}
	base.BootParamOffset = bootParamOffset
	base.EnableABOX = base.EnableABOX || o.abox

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	cores := map[cipc.Owner]*cipc.CIPC{}
	for _, self := range []cipc.Owner{cipc.OwnerCHUB, cipc.OwnerAP} {
		c, err := openCore(mem, base, self, reg, log)
		if err != nil {
			return err
		}
		cores[self] = c
		shutdown.Register("core-"+self.String(), c.Close)
	}
	chub, ap := cores[cipc.OwnerCHUB], cores[cipc.OwnerAP]

	mb, err := softMailbox(mem, apMailboxOffset)
	if err != nil {
		return err
	}

	var apGot, chubGot atomic.Int64
	if _, _, err := chub.Register(mb, cipc.UserCHUB2AP, cipc.UserAP2CHUB, func(_ uint32, payload []byte) {
		if payload != nil {
			chubGot.Add(1)
		}
	}); err != nil {
		return err
	}
	if _, _, err := ap.Register(mb, cipc.UserAP2CHUB, cipc.UserCHUB2AP, func(uint32, []byte) {
		apGot.Add(1)
	}); err != nil {
		return err
	}

	if o.metricsAddr != "" {
		srv := &http.Server{Addr: o.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", utils.Err(err))
			}
		}()
		shutdown.Register("metrics", func() error {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
		log.Info("Serving metrics", utils.String("addr", o.metricsAddr))
	}

	if base.EnableABOX {
		if err := bringUpDSP(ctx, mem, base, chub, reg, log, shutdown); err != nil {
			return err
		}
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	g, gctx := errgroup.WithContext(serveCtx)

	g.Go(func() error { return ap.Serve(gctx, cipc.UserCHUB2AP, 50*time.Millisecond) })
	g.Go(func() error { return chub.Serve(gctx, cipc.UserAP2CHUB, 50*time.Millisecond) })

	producers, pctx := errgroup.WithContext(gctx)
	producers.Go(func() error {
		return produce(pctx, "chub-events", o.events, log, func(ctx context.Context, i int) error {
			return chub.AddEvent(ctx, cipc.UserCHUB2AP, uint32(i))
		})
	})
	producers.Go(func() error {
		payload := make([]byte, max(o.payloadSize, 1))
		return produce(pctx, "ap-data", o.payloads, log, func(ctx context.Context, i int) error {
			payload[0] = byte(i)
			return ap.WriteData(ctx, cipc.UserAP2CHUB, 0, payload)
		})
	})

	start := time.Now()
	g.Go(func() error {
		defer stopServe()
		if err := producers.Wait(); err != nil {
			return err
		}
		return waitDrained(gctx, func() bool {
			return apGot.Load() >= int64(o.events) && chubGot.Load() >= int64(o.payloads)
		})
	})

	runErr := g.Wait()
	log.Info("Traffic done",
		utils.Int64("ap_received", apGot.Load()),
		utils.Int64("chub_received", chubGot.Load()),
		utils.Duration("elapsed", time.Since(start)))

	if o.dumpPath != "" {
		if err := writeDump(o.dumpPath, ap, o.compress); err != nil {
			log.Error("Dump failed", utils.Err(err))
		} else {
			log.Info("Dump written", utils.String("path", o.dumpPath))
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return ctx.Err()
}

func openMemory(o options, log *utils.Logger) (sram.MemoryProvider, error) {
	if o.shmPath == "" {
		return sram.NewInMemoryProvider(o.sramSize), nil
	}
	shm, err := sram.OpenSharedMemory(sram.SharedMemoryOptions{
		Path:   o.shmPath,
		Size:   o.sramSize,
		Create: true,
	})
	if err != nil {
		return nil, err
	}
	log.Info("Mapped SRAM image", utils.String("path", shm.Path()), utils.Uint32("size", shm.Size()))
	return shm, nil
}

func softMailbox(mem sram.MemoryProvider, off uint32) (*mailbox.Soft, error) {
	region, err := sram.NewRegion(mem, fmt.Sprintf("mbox@0x%x", off), off, mailbox.SoftSize)
	if err != nil {
		return nil, err
	}
	return mailbox.NewSoft(region)
}

func openCore(mem sram.MemoryProvider, base cipc.Config, self cipc.Owner, reg prometheus.Registerer, log *utils.Logger) (*cipc.CIPC, error) {
	cfg := base
	cfg.Self = self
	metrics, err := cipc.NewMetrics(reg, self)
	if err != nil {
		return nil, err
	}
	return cipc.New(mem, cfg, cipc.WithLogger(log.Named(self.String())), cipc.WithMetrics(metrics))
}

// bringUpDSP starts an ABOX core, lets it bootstrap its session and exchanges
// one event each way with CHUB.
func bringUpDSP(ctx context.Context, mem sram.MemoryProvider, base cipc.Config, chub *cipc.CIPC,
	reg prometheus.Registerer, log *utils.Logger, shutdown *utils.GracefulShutdown) error {
	abox, err := openCore(mem, base, cipc.OwnerABOX, reg, log)
	if err != nil {
		return err
	}
	shutdown.Register("core-ABOX", abox.Close)

	mb, err := softMailbox(mem, dspMailboxOff)
	if err != nil {
		return err
	}
	if _, _, err := chub.Register(mb, cipc.UserCHUB2ABOX, cipc.UserABOX2CHUB, nil); err != nil {
		return err
	}
	start, size, err := abox.Register(mb, cipc.UserABOX2CHUB, cipc.UserCHUB2ABOX, nil)
	if err != nil {
		return err
	}
	log.Info("ABOX window", utils.Hex32("start", start), utils.Hex32("size", size))

	if err := chub.AddEvent(ctx, cipc.UserCHUB2ABOX, 1); err != nil {
		return err
	}
	if _, err := abox.GetEvent(cipc.UserCHUB2ABOX); err != nil {
		return err
	}
	if err := abox.WriteData(ctx, cipc.UserABOX2CHUB, 0, []byte("pcm")); err != nil {
		return err
	}
	_, err = chub.HandleIRQ(cipc.UserABOX2CHUB)
	return err
}

// produce calls send count times through a circuit breaker. A tripped breaker
// backs the producer off instead of hammering a queue the peer is not draining.
// backpressure reports errors that clear once the consumer drains
func backpressure(err error) bool {
	return errors.Is(err, cipc.ErrQueueFull) || errors.Is(err, cipc.ErrNoFreeChannel)
}

func produce(ctx context.Context, name string, count int, log *utils.Logger, send func(context.Context, int) error) error {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(backpressure(err) || errors.Is(err, cipc.ErrSignalDelivery))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Debug("Producer breaker", utils.String("producer", name), utils.String("from", from.String()), utils.String("to", to.String()))
		},
	})

	for i := 0; i < count; {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, send(ctx, i)
		})
		switch {
		case err == nil:
			i++
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests), backpressure(err):
			if err := sleepCtx(ctx, 5*time.Millisecond); err != nil {
				return err
			}
		case errors.Is(err, cipc.ErrSignalDelivery):
			// the slot was invalidated, send it again
			log.Warn("Notification lost", utils.String("producer", name), utils.Int("seq", i), utils.Err(err))
			if err := sleepCtx(ctx, 5*time.Millisecond); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s #%d: %w", name, i, err)
		}
	}
	log.Info("Producer finished", utils.String("producer", name), utils.Int("sent", count))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func waitDrained(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func writeDump(path string, c *cipc.CIPC, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.WriteDump(f, cipc.DumpOptions{Compress: compress}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
