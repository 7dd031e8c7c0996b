package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"escrow-auction/internal/api"
	"escrow-auction/internal/config"
	"escrow-auction/internal/db"
	"escrow-auction/internal/engine"
	"escrow-auction/internal/events"
	"escrow-auction/internal/observability"
	"escrow-auction/internal/ws"
)

func main() {
	// Load env (dotenv-style: only if not already set)
	loadEnvFile(".env")

	configPath := flag.String("config", os.Getenv("AUCTION_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log := observability.NewLogger("main")
		log.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLevel(cfg.LogLevel)
	log := observability.NewLoggerWithLevel("main", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("open store")
	}
	defer store.Close()

	// WS Hub
	hub := ws.NewHub(observability.NewLoggerWithLevel("ws", level))

	// Outbound events
	var natsPublish events.PublishFunc
	if cfg.NATSURL != "" {
		nc, pub, err := startNATS(ctx, cfg.NATSURL, metrics, observability.NewLoggerWithLevel("nats", level))
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("nats")
		}
		defer nc.Drain()
		natsPublish = pub.Publish
	}

	// Engine manager
	mgr := engine.NewManager(store, engine.PublishFunc(events.Fanout(hub.Publish, natsPublish)), metrics,
		observability.NewLoggerWithLevel("engine", level))
	if err := mgr.Boot(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine boot")
	}
	defer mgr.Stop()

	// HTTP
	srv := api.NewServer(api.Deps{
		Store:   store,
		Manager: mgr,
		Hub:     hub,
		Health:  health,
		Metrics: promhttp.Handler(),
		Log:     observability.NewLoggerWithLevel("http", level),
	}, cfg)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server")
		}
	}()
	health.SetReady(true)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}

func openStore(cfg config.Config, log zerolog.Logger) (db.Store, error) {
	if cfg.StorageDriver == config.DriverMemory {
		log.Warn().Msg("using in-memory store, state is lost on exit")
		return db.NewMemory(), nil
	}
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("connected to database")

	if err := store.Migrate(cfg.MigrationsDir); err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Str("dir", cfg.MigrationsDir).Msg("migrations applied")
	return store, nil
}

func startNATS(ctx context.Context, url string, metrics *observability.Metrics, log zerolog.Logger) (*nats.Conn, *events.NATSPublisher, error) {
	nc, js, err := events.Connect(url, log)
	if err != nil {
		return nil, nil, err
	}
	if err := events.EnsureStream(ctx, js); err != nil {
		nc.Close()
		return nil, nil, err
	}
	pub := events.NewNATSPublisher(js, 1024, log, metrics.PublishDrop.Inc)
	go pub.Run(ctx)
	log.Info().Str("stream", events.StreamName).Msg("publishing auction events")
	return nc, pub, nil
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range splitLines(string(data)) {
		line = trimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		parts := splitFirst(line, '=')
		if len(parts) != 2 {
			continue
		}
		key := trimSpace(parts[0])
		val := trimSpace(parts[1])
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func trimSpace(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	j := len(s)
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

func splitFirst(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}
