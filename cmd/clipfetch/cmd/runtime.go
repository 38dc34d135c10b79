package cmd

import (
	"context"
	"fmt"

	"github.com/psantana5/clip-prefetch/pkg/framecache"
	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/metrics"
	"github.com/psantana5/clip-prefetch/pkg/prefetch"
	"github.com/psantana5/clip-prefetch/pkg/source"
	"github.com/psantana5/clip-prefetch/pkg/store"
	"github.com/psantana5/clip-prefetch/pkg/tracing"
)

// runtime is the set of collaborators both the local and the served mode use
type runtime struct {
	cache     *framecache.Memory
	host      *jobhost.Host
	store     store.Store
	metrics   *metrics.Collector
	tracer    *tracing.Provider
	scheduler *prefetch.Scheduler
}

func newRuntime(redraw func(owner string, progress float64)) (*runtime, error) {
	sc := cfg.StoreConfig()
	sc.Logger = logger
	st, err := store.Open(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	tracer, err := tracing.InitTracer(cfg.TracingConfig(Version), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	rt := &runtime{
		cache:   framecache.NewMemory(cfg.CacheBytes(), cfg.Cache.MaxEntries),
		host:    jobhost.New(logger),
		store:   st,
		metrics: metrics.NewCollector(),
		tracer:  tracer,
	}
	rt.metrics.RegisterCache(rt.cache)

	opts := []prefetch.Option{
		prefetch.WithStore(st),
		prefetch.WithMetrics(rt.metrics),
		prefetch.WithTracer(tracer),
		prefetch.WithLogger(logger),
	}
	if redraw != nil {
		opts = append(opts, prefetch.WithRedraw(redraw))
	}
	rt.scheduler = prefetch.NewScheduler(cfg.Scheduler(), rt.cache,
		source.NewSequence(), source.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath), rt.host, opts...)

	logger.Debug("Runtime ready", map[string]interface{}{
		"workers":     rt.scheduler.Workers(),
		"cache_bytes": cfg.CacheBytes(),
		"store":       cfg.Store.Driver,
	})
	return rt, nil
}

func (rt *runtime) close(ctx context.Context) error {
	err := rt.scheduler.Shutdown(ctx)
	if tErr := rt.tracer.Shutdown(ctx); err == nil {
		err = tErr
	}
	if sErr := rt.store.Close(); err == nil {
		err = sErr
	}
	return err
}
