package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"mdm-cloud/internal/audit"
	"mdm-cloud/internal/auth"
	commandsapp "mdm-cloud/internal/commands/application"
	commandsevents "mdm-cloud/internal/commands/application/events"
	commandsrepo "mdm-cloud/internal/commands/infrastructure/postgres"
	checkin "mdm-cloud/internal/commands/interfaces/device"
	commandshttp "mdm-cloud/internal/commands/interfaces/http"
	devicesapp "mdm-cloud/internal/devices/application"
	devicesrepo "mdm-cloud/internal/devices/infrastructure/postgres"
	deviceshttp "mdm-cloud/internal/devices/interfaces/http"
	"mdm-cloud/internal/eventing"
	"mdm-cloud/internal/eventing/eventbus"
	eventingrepo "mdm-cloud/internal/eventing/infrastructure/postgres"
	"mdm-cloud/internal/observability/metrics"
	"mdm-cloud/internal/push"
	"mdm-cloud/internal/push/gateway"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	baseBus := eventbus.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(commandsevents.CommandQueued{})
	registry.Register(commandsevents.CommandSent{})
	registry.Register(commandsevents.CommandAcknowledged{})
	registry.Register(commandsevents.CommandFailed{})
	registry.Register(commandsevents.CommandExpired{})
	registry.Register(commandsevents.CommandCancelled{})

	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)
	dispatcher := eventing.NewDispatcher(baseBus, outboxStore, registry, dlqStore)
	publisher := eventing.NewPublisher(outboxStore, dispatcher, baseBus)

	deviceRepo := devicesrepo.NewRepository(db)
	commandRepo := commandsrepo.NewRepository(db)

	pushCfg, err := push.LoadConfig()
	if err != nil {
		logger.Fatalf("push config error: %v", err)
	}
	sender, err := gateway.NewClient(pushCfg.GatewayURL, pushCfg.AuthToken, pushCfg.Timeout)
	if err != nil {
		logger.Fatalf("push gateway error: %v", err)
	}
	throttler, err := push.NewThrottler(deviceRepo, sender, pushCfg, logger)
	if err != nil {
		logger.Fatalf("push throttler error: %v", err)
	}
	pushConsumer, err := push.NewQueuedConsumer(throttler, logger)
	if err != nil {
		logger.Fatalf("push consumer error: %v", err)
	}
	eventing.Subscribe(baseBus, eventbus.EventTypeOf[commandsevents.CommandQueued](), "push.wake", pushConsumer.HandleCommandQueued, processedStore)

	commandService, err := commandsapp.NewService(commandRepo, deviceRepo, publisher, nil)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}
	deviceService, err := devicesapp.NewService(deviceRepo, nil, logger)
	if err != nil {
		logger.Fatalf("device service error: %v", err)
	}

	commandHandler, err := commandshttp.NewHandler(commandService, auditRepo)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}
	exportHandler, err := commandshttp.NewExportHandler(commandService)
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}
	deviceHandler, err := deviceshttp.NewHandler(deviceService, auditRepo)
	if err != nil {
		logger.Fatalf("device handler error: %v", err)
	}
	checkinHandler, err := checkin.NewHandler(commandService, logger)
	if err != nil {
		logger.Fatalf("checkin handler error: %v", err)
	}

	// Re-deliver sent commands that the device never answered, and retire
	// those out of retry budget.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for tick := range ticker.C {
			requeued, expired, err := commandService.MarkTimeouts(context.Background(), tick.UTC().Add(-cfg.CommandTimeout))
			if err != nil {
				logger.Printf("timeout sweep error: %v", err)
				continue
			}
			if requeued > 0 || expired > 0 {
				logger.Printf("timeout sweep: requeued=%d expired=%d", requeued, expired)
			}
		}
	}()

	// Drain outbox records that a crashed or failed inline dispatch left
	// pending.
	go func() {
		ticker := time.NewTicker(cfg.DispatchInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := dispatcher.Dispatch(context.Background(), 50); err != nil {
				logger.Printf("outbox dispatch error: %v", err)
			}
		}
	}()

	policy := auth.NewDefaultPolicy([]string{"/healthz"}, []string{"/mdm/", "/metrics"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	deviceAuth := auth.NewDeviceAuthMiddleware([]byte(cfg.DeviceSecret), time.Duration(cfg.DeviceSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/mdm/connect", deviceAuth.Wrap(checkinHandler))
	mux.Handle("/api/v1/commands", commandHandler)
	mux.Handle("/api/v1/commands/", http.HandlerFunc(commandHandler.HandleItem))
	mux.Handle("/api/v1/stats", http.HandlerFunc(commandHandler.HandleStats))
	mux.Handle("/api/v1/exports/", exportHandler)
	mux.Handle("/api/v1/devices", deviceHandler)
	mux.Handle("/api/v1/devices/", http.HandlerFunc(deviceHandler.HandleItem))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL       string
	HTTPAddr          string
	JWTSecret         string
	DeviceSecret      string
	DeviceSkewSeconds int
	CommandTimeout    time.Duration
	SweepInterval     time.Duration
	DispatchInterval  time.Duration
}

func loadConfig() config {
	_ = godotenv.Load()

	cfg := config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		DeviceSecret:      getenvDefault("DEVICE_HMAC_SECRET", ""),
		DeviceSkewSeconds: getenvIntDefault("DEVICE_MAX_SKEW_SECONDS", 300),
		CommandTimeout:    getenvDuration("COMMAND_TIMEOUT", time.Hour),
		SweepInterval:     getenvDuration("COMMAND_SWEEP_INTERVAL", time.Minute),
		DispatchInterval:  getenvDuration("OUTBOX_DISPATCH_INTERVAL", 10*time.Second),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	if cfg.DeviceSecret == "" {
		log.Fatal("DEVICE_HMAC_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
