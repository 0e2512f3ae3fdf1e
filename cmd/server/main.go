// Command server starts the StreamHub realtime coordination service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamhub/internal/auth"
	"streamhub/internal/hub"
	"streamhub/internal/ingest"
	"streamhub/internal/observability/logging"
	"streamhub/internal/observability/metrics"
	"streamhub/internal/server"
	"streamhub/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when opening the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	queueDriver := flag.String("queue-driver", "", "event queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the event queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the event queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the event queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for hub events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for hub events")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the event queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the event queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the event queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the event queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the event queue")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for verifying authentication tokens")
	jwtIssuer := flag.String("jwt-issuer", "", "expected issuer claim on authentication tokens")
	ingestToken := flag.String("ingest-token", "", "shared token authorizing media-server callbacks")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "interval between websocket pings (0 disables)")
	offlineWindow := flag.Duration("offline-window", 0, "grace period before a disconnected user goes offline")
	ingestURLTemplate := flag.String("ingest-url-template", "", "RTMP ingest URL template, %s is the stream id")
	playbackURLTemplate := flag.String("playback-url-template", "", "HLS playback URL template, %s is the stream id")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	connectLimit := flag.Int("rate-connect-limit", 0, "maximum websocket handshakes per window for a single IP")
	connectWindow := flag.Duration("rate-connect-window", 0, "window for counting websocket handshakes")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed connect throttling")
	rateRedisUsername := flag.String("rate-redis-username", "", "Redis username for distributed connect throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed connect throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	allowedOrigins := flag.String("allowed-origins", "", "comma separated browser origins allowed to connect")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMHUB_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMHUB_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMHUB_ADDR"), ":8080")

	store, err := openRepository(repositoryOptions{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("STREAMHUB_STORAGE_DRIVER")),
		DataPath:        firstNonEmpty(*dataPath, os.Getenv("STREAMHUB_DATA"), "data/streamhub.json"),
		PostgresDSN:     resolvePostgresDSN(*postgresDSN),
		MaxConns:        resolveInt(*postgresMaxConns, "STREAMHUB_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "STREAMHUB_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "STREAMHUB_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "STREAMHUB_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "STREAMHUB_POSTGRES_HEALTH_INTERVAL", 0),
		ConnectTimeout:  resolveDuration(*postgresConnectTimeout, "STREAMHUB_POSTGRES_CONNECT_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("STREAMHUB_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	queue, err := configureQueue(firstNonEmpty(*queueDriver, os.Getenv("STREAMHUB_QUEUE_DRIVER")), hub.RedisQueueConfig{
		Addr:     firstNonEmpty(*queueRedisAddr, os.Getenv("STREAMHUB_QUEUE_REDIS_ADDR")),
		Username: firstNonEmpty(*queueRedisUsername, os.Getenv("STREAMHUB_QUEUE_REDIS_USERNAME")),
		Password: firstNonEmpty(*queueRedisPassword, os.Getenv("STREAMHUB_QUEUE_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(*queueRedisStream, os.Getenv("STREAMHUB_QUEUE_REDIS_STREAM")),
		Group:    firstNonEmpty(*queueRedisGroup, os.Getenv("STREAMHUB_QUEUE_REDIS_GROUP")),
		TLS: hub.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("STREAMHUB_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("STREAMHUB_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("STREAMHUB_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("STREAMHUB_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "STREAMHUB_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	var verifier auth.Verifier
	secret := firstNonEmpty(*jwtSecret, os.Getenv("STREAMHUB_JWT_SECRET"))
	if secret == "" {
		logger.Warn("no JWT secret configured, accepting all claimed identities")
		verifier = auth.AllowAll()
	} else {
		verifier = auth.NewJWTVerifier([]byte(secret), firstNonEmpty(*jwtIssuer, os.Getenv("STREAMHUB_JWT_ISSUER")))
	}

	h := hub.New(hub.Config{
		Store:    store,
		Verifier: verifier,
		Queue:    queue,
		URLs: hub.StreamURLs{
			IngestTemplate:   firstNonEmpty(*ingestURLTemplate, os.Getenv("STREAMHUB_INGEST_URL_TEMPLATE")),
			PlaybackTemplate: firstNonEmpty(*playbackURLTemplate, os.Getenv("STREAMHUB_PLAYBACK_URL_TEMPLATE")),
		},
		OfflineWindow:     resolveDuration(*offlineWindow, "STREAMHUB_OFFLINE_WINDOW", 0),
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "STREAMHUB_HEARTBEAT_INTERVAL", 30*time.Second),
		Logger:            logger,
	})

	hook := ingest.NewHook(ingest.HookConfig{
		Token:     firstNonEmpty(*ingestToken, os.Getenv("STREAMHUB_INGEST_TOKEN")),
		Lifecycle: h.Lifecycle(),
		Logger:    logging.WithComponent(logger, "ingest"),
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go storage.NewChatWorker(store, queue, logging.WithComponent(logger, "chat-worker")).Run(workerCtx)

	srv, err := server.New(server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMHUB_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMHUB_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STREAMHUB_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "STREAMHUB_RATE_GLOBAL_BURST"),
			ConnectLimit:  resolveInt(*connectLimit, "STREAMHUB_RATE_CONNECT_LIMIT"),
			ConnectWindow: resolveDuration(*connectWindow, "STREAMHUB_RATE_CONNECT_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("STREAMHUB_RATE_REDIS_ADDR")),
			RedisUsername: firstNonEmpty(*rateRedisUsername, os.Getenv("STREAMHUB_RATE_REDIS_USERNAME")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("STREAMHUB_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "STREAMHUB_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("STREAMHUB_ALLOWED_ORIGINS"))),
		},
		Logger:     logger,
		Metrics:    recorder,
		Hub:        h,
		IngestHook: hook,
		Health:     store,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("StreamHub listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

type repositoryOptions struct {
	Driver          string
	DataPath        string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	ConnectTimeout  time.Duration
	AppName         string
}

func openRepository(opts repositoryOptions) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		if opts.PostgresDSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		return storage.NewStorage(opts.DataPath)
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(storage.PostgresConfig{
			DSN:                 opts.PostgresDSN,
			MaxConnections:      int32(opts.MaxConns),
			MinConnections:      int32(opts.MinConns),
			MaxConnLifetime:     opts.MaxConnLifetime,
			MaxConnIdleTime:     opts.MaxConnIdle,
			HealthCheckInterval: opts.HealthInterval,
			ConnectTimeout:      opts.ConnectTimeout,
			ApplicationName:     opts.AppName,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func configureQueue(driver string, cfg hub.RedisQueueConfig, logger *slog.Logger) (hub.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		cfg.Logger = logging.WithComponent(logger, "event-queue")
		return hub.NewRedisQueue(cfg)
	case "", "memory":
		return hub.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("STREAMHUB_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
