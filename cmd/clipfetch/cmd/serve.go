package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/clip-prefetch/pkg/api"
	"github.com/psantana5/clip-prefetch/pkg/auth"
	"github.com/psantana5/clip-prefetch/pkg/ratelimit"
	"github.com/psantana5/clip-prefetch/pkg/shutdown"
	apitls "github.com/psantana5/clip-prefetch/pkg/tls"
)

var (
	shutdownTimeout time.Duration
	limiterMaxAge   time.Duration
)

// serveCmd runs the prefetch service behind the control API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the prefetch service",
	Long: `Serves the prefetch control API. Editor sessions POST /prefetch whenever the
playback frame or the scene changes; each session owns at most one job.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default from config, :8090)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "time allowed for running jobs to stop")
	serveCmd.Flags().DurationVar(&limiterMaxAge, "limiter-max-age", 10*time.Minute, "forget rate limit state of idle clients after this long")
}

func runServe(cmd *cobra.Command, args []string) error {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}

	keys, err := auth.NewKeySet(cfg.HTTP.APIKeys...)
	if err != nil {
		return err
	}
	serverCfg := api.ServerConfig{Addr: cfg.HTTP.Addr, Keys: keys}
	files := cfg.ServerTLS()
	if files.Enabled() {
		if serverCfg.TLS, err = apitls.ServerConfig(files); err != nil {
			return err
		}
	}

	rt, err := newRuntime(nil)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.HTTP.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.HTTP.RateLimit, cfg.HTTP.Burst)
	}
	handler := api.NewHandler(rt.scheduler, rt.metrics, rt.cache, logger)
	serverCfg.Limiter = limiter
	serverCfg.Tracer = rt.tracer
	server := api.NewServer(serverCfg, handler)

	mgr := shutdown.New(shutdownTimeout, logger)
	mgr.Register("runtime", rt.close)
	mgr.Register("http", shutdown.StopHTTPServer(server))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Prefetch service listening", map[string]interface{}{
			"addr":    cfg.HTTP.Addr,
			"workers": rt.scheduler.Workers(),
			"store":   cfg.Store.Driver,
			"tls":     server.TLSConfig != nil,
			"auth":    keys.Enabled(),
		})
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if limiter != nil && limiterMaxAge > 0 {
		go pruneLimiters(mgr.Done(), limiter)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	var listenErr error
	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		if err, ok := <-serveErr; ok {
			logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
			listenErr = err
			cancel()
		}
	}()

	if err := mgr.WaitWithContext(ctx); err != nil {
		return err
	}
	<-listenDone
	return listenErr
}

// pruneLimiters drops idle rate limit buckets until done is closed
func pruneLimiters(done <-chan struct{}, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(limiterMaxAge)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := limiter.CleanupOldLimiters(limiterMaxAge); n > 0 {
				logger.Debug("Pruned idle rate limiters", map[string]interface{}{"count": n})
			}
		}
	}
}
