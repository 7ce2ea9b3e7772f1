//go:build unix

package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/k2io/memhook/alloctrace"
	"github.com/k2io/memhook/calltrace"
	"github.com/k2io/memhook/internal/metrics"
	"github.com/k2io/memhook/memstats"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Hook the arena allocator and trace a multi-threaded workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(v)
			log := setupLogging(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.Flags().Int("threads", 4, "OS threads running the workload")
	cmd.Flags().Int("allocs", 1000, "allocations per thread")
	cmd.Flags().Int("size", 64, "bytes per allocation")
	cmd.Flags().Int("capacity", calltrace.DefaultCapacity, "records buffered per thread between drains")
	cmd.Flags().Bool("capture-stack", false, "attach the drain stack to every summary")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address and wait for a signal")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

// totals accumulates the summaries of every thread.
type totals struct {
	mu      sync.Mutex
	threads map[int]struct{}
	sum     calltrace.Summary
}

func (t *totals) Report(s calltrace.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threads[s.TID] = struct{}{}
	t.sum.Records += s.Records
	for _, k := range calltrace.Kinds() {
		t.sum.Counts[k] += s.Counts[k]
		t.sum.Sizes[k] += s.Sizes[k]
	}
	t.sum.Overflowed += s.Overflowed
	t.sum.Dropped += s.Dropped
}

type fanout []calltrace.Sink

func (f fanout) Report(s calltrace.Summary) {
	for _, sink := range f {
		sink.Report(s)
	}
}

func run(ctx context.Context, cfg config, log zerolog.Logger) error {
	if cfg.Threads <= 0 || cfg.Allocs < 0 || cfg.Size <= 0 {
		return errors.Newf("invalid workload: threads=%d allocs=%d size=%d", cfg.Threads, cfg.Allocs, cfg.Size)
	}
	tot := &totals{threads: make(map[int]struct{})}
	sched := calltrace.NewPostponed()
	tbl := calltrace.New(calltrace.Config{
		Capacity:     cfg.Capacity,
		CaptureStack: cfg.CaptureStack,
		Sink:         fanout{calltrace.LogSink{Logger: log}, tot},
		Scheduler:    sched,
		Logger:       log,
	})
	if err := alloctrace.Install(tbl); err != nil {
		log.Warn().Err(err).Msg("some allocation functions are not traced")
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", cfg.MetricsAddr)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	}

	start := time.Now()
	workload(cfg, sched)
	log.Info().
		Int("threads", len(tot.threads)).
		Int("records", tot.sum.Records).
		Uint64("malloc_count", tot.sum.Count(calltrace.KindMalloc)).
		Uint64("malloc_size", tot.sum.Size(calltrace.KindMalloc)).
		Uint64("realloc_count", tot.sum.Count(calltrace.KindRealloc)).
		Uint64("free_count", tot.sum.Count(calltrace.KindFree)).
		Uint64("dropped", tot.sum.Dropped).
		Uint64("rejected", tbl.Rejected()).
		Dur("elapsed", time.Since(start)).
		Msg("workload done")

	reserved, freed, _ := alloctrace.Usage()
	snap, err := memstats.Collect(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("memory statistics unavailable")
	} else {
		log.Info().Object("mem", snap).
			Uint64("arena_reserved", uint64(reserved)).
			Uint64("arena_freed", freed).
			Msg("memory")
	}

	if srv == nil {
		return nil
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// workload runs cfg.Threads locked OS threads, each allocating, growing
// and freeing blocks, then draining its buffer at the end as a safe point.
func workload(cfg config, sched *calltrace.Postponed) {
	var wg sync.WaitGroup
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			size := uintptr(cfg.Size)
			for j := 0; j < cfg.Allocs; j++ {
				p := alloctrace.Malloc(size)
				if j%4 == 3 {
					p = alloctrace.Realloc(p, 2*size)
				}
				alloctrace.Free(p)
				if j%1000 == 999 {
					sched.Run()
				}
			}
			sched.Run()
		}()
	}
	wg.Wait()
}
