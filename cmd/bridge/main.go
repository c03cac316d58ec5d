package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/SSR3-FinalPj/AI-auto/internal/api"
	"github.com/SSR3-FinalPj/AI-auto/pkg/config"
	"github.com/SSR3-FinalPj/AI-auto/pkg/correlation"
	"github.com/SSR3-FinalPj/AI-auto/pkg/dispatcher"
	"github.com/SSR3-FinalPj/AI-auto/pkg/enrich"
	"github.com/SSR3-FinalPj/AI-auto/pkg/events"
	"github.com/SSR3-FinalPj/AI-auto/pkg/idempotency"
	"github.com/SSR3-FinalPj/AI-auto/pkg/llm"
	"github.com/SSR3-FinalPj/AI-auto/pkg/llm/gemini"
	"github.com/SSR3-FinalPj/AI-auto/pkg/llm/prompts"
	"github.com/SSR3-FinalPj/AI-auto/pkg/logging"
	"github.com/SSR3-FinalPj/AI-auto/pkg/metrics"
	"github.com/SSR3-FinalPj/AI-auto/pkg/objstore"
	"github.com/SSR3-FinalPj/AI-auto/pkg/probe"
	"github.com/SSR3-FinalPj/AI-auto/pkg/queue"
	"github.com/SSR3-FinalPj/AI-auto/pkg/request"
	"github.com/SSR3-FinalPj/AI-auto/pkg/tracker"
	"github.com/SSR3-FinalPj/AI-auto/pkg/version"
)

const defaultConfigPath = "configs/bridge.yaml"

var (
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
	configPath = flag.String("config", defaultConfigPath, "Path to the config file")
)

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated:", *configPath)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

// components holds everything run wires together.
type components struct {
	dispatcher *dispatcher.Dispatcher
	queue      *queue.PriorityQueue
	idem       idempotency.Registry
	publisher  events.Publisher
	hub        *events.Hub
	tracker    *tracker.Tracker
	probes     []probe.Probe
	closers    []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&appCfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("Video bridge started", "version", version.Version, "config", configPath)

	comps, err := build(ctx, appCfg)
	if err != nil {
		return err
	}
	defer comps.close()

	if err := probe.AnalyzeResults(probe.Run(ctx, comps.probes)); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	metrics.Register(
		metrics.NewGauge("queue_depth", "Jobs waiting for a worker, including delayed retries.",
			func() float64 { return float64(comps.queue.Len()) }),
		metrics.NewGauge("retrying_jobs", "Queued jobs waiting out a retry backoff.",
			func() float64 { return float64(comps.queue.Delayed()) }),
		metrics.NewGauge("inflight_requests", "Requests dispatched and awaiting a terminal outcome.",
			func() float64 { return float64(comps.dispatcher.Stats().Inflight) }),
	)

	// Background workers
	workCtx, stopWork := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.NewPool(comps.dispatcher, appCfg.Dispatch.Workers).Run(workCtx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.NewSweeper(comps.dispatcher, appCfg.Dispatch.SweepInterval.Std()).Run(workCtx)
	}()

	srv := api.NewServer(appCfg.Server.Address,
		api.NewIntakeHandler(comps.dispatcher),
		api.NewCallbackHandler(comps.dispatcher),
		api.NewStatsHandler(comps.dispatcher, comps.tracker),
		comps.hub,
		promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	)
	srv.Handler = loggingMiddleware(srv.Handler)

	serveErr := runServerLifecycle(ctx, srv, appCfg.Server.MaxConnections)

	// Stop intake first, then the workers, then drain the bus
	comps.queue.Close()
	stopWork()
	wg.Wait()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), appCfg.Kafka.FlushTimeout.Std())
	defer cancelFlush()
	if err := comps.publisher.Flush(flushCtx); err != nil {
		slog.Error("Event flush incomplete", "error", err)
	}
	comps.publisher.Close()

	slog.Info("Video bridge stopped", "stats", comps.dispatcher.Stats())
	return serveErr
}

func build(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{tracker: tracker.New(), queue: queue.New()}

	idem, err := idempotency.Open(ctx, &cfg.Idempotency)
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency registry: %w", err)
	}
	c.idem = idem
	c.closers = append(c.closers, func() {
		if err := idem.Close(); err != nil {
			slog.Warn("Idempotency registry close failed", "error", err)
		}
	})

	publisher, err := initPublisher(cfg, c)
	if err != nil {
		c.close()
		return nil, err
	}
	c.hub = events.NewHub()
	c.publisher = events.Fanout{publisher, c.hub}

	enricher, err := initEnricher(cfg, c)
	if err != nil {
		c.close()
		return nil, err
	}

	images, err := initImages(cfg, c)
	if err != nil {
		c.close()
		return nil, err
	}

	backend := request.New(cfg.Dispatch.GeneratorEndpoint, cfg.Dispatch.ConnectTimeout.Std(), cfg.Dispatch.ReadTimeout.Std(), c.tracker)
	c.probes = append(c.probes, probe.Probe{Name: "Generator", Check: backend.Ping})

	d, err := dispatcher.New(dispatcher.OptionsFromConfig(cfg.Dispatch), dispatcher.Deps{
		Idempotency: idem,
		Inflight:    correlation.NewMemory(),
		Queue:       c.queue,
		Backend:     backend,
		Enricher:    enricher,
		Images:      images,
		Publisher:   c.publisher,
		Tracker:     c.tracker,
	})
	if err != nil {
		c.close()
		return nil, err
	}
	c.dispatcher = d
	return c, nil
}

func initPublisher(cfg *config.Config, c *components) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		slog.Warn("No Kafka brokers configured, terminal events go to the log")
		return events.NewLog(nil), nil
	}
	kp, err := events.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	c.probes = append(c.probes, probe.Probe{Name: "Kafka", Check: kp.Ping, Critical: true})
	slog.Info("Kafka producer ready", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	return kp, nil
}

func initEnricher(cfg *config.Config, c *components) (*enrich.Enricher, error) {
	pm, err := prompts.NewManager(cfg.Prompts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}

	var provider llm.Provider = llm.Disabled{}
	if cfg.LLM.Provider == "gemini" {
		gc, err := gemini.NewClient(cfg.LLM, cfg.Log.Gemini.Path, c.tracker)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		c.closers = append(c.closers, gc.Close)
		c.probes = append(c.probes, probe.Probe{Name: "Gemini", Check: gc.HealthCheck, Timeout: 10 * time.Second})
		provider = gc
	} else {
		slog.Info("Enrichment provider disabled, using template text")
	}
	return enrich.New(provider, pm, c.tracker)
}

func initImages(cfg *config.Config, c *components) (objstore.Resolver, error) {
	if !cfg.Storage.Enabled {
		return objstore.Passthrough{}, nil
	}
	r, err := objstore.NewMinIO(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	c.probes = append(c.probes, probe.Probe{Name: "Object storage", Check: r.Ping})
	return r, nil
}

// runServerLifecycle serves until ctx is done or the listener fails, then
// shuts the server down gracefully.
func runServerLifecycle(ctx context.Context, srv *http.Server, maxConns int) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	slog.Info("Starting server", "addr", ln.Addr().String(), "max_connections", maxConns)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down server...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.RequestLogger.Info("Request Processed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
