package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sherpa/internal/adapter"
	"sherpa/internal/adapter/broadcast"
	"sherpa/internal/adapter/notify"
	"sherpa/internal/adapter/quote"
	"sherpa/internal/adapter/signer"
	"sherpa/internal/audit"
	"sherpa/internal/auth"
	"sherpa/internal/budget"
	"sherpa/internal/cache"
	"sherpa/internal/config"
	cronrunner "sherpa/internal/cron"
	"sherpa/internal/db"
	"sherpa/internal/events"
	"sherpa/internal/execution"
	"sherpa/internal/handler"
	"sherpa/internal/lock"
	"sherpa/internal/logger"
	"sherpa/internal/paas"
	"sherpa/internal/policy"
	"sherpa/internal/reconciler"
	"sherpa/internal/repository"
	gormrepository "sherpa/internal/repository/gorm"
	"sherpa/internal/repository/memory"
	"sherpa/internal/risk"
	"sherpa/internal/scheduler"
	"sherpa/internal/service"

	_ "sherpa/docs"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("SHERPA_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("SHERPA_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log, cfg.App.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var (
		store  repository.Repository
		dbConn *db.DB
	)
	if strings.EqualFold(cfg.Storage.Driver, "memory") {
		logger.Warn("using in-memory store; state is lost on restart")
		store = memory.New()
	} else {
		dbConn, err = db.Open(context.Background(), cfg.DB, logger)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)

		if err := db.AutoMigrate(dbConn); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	var (
		locker     lock.Locker
		quoteCache cache.Store
	)
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient, "sherpa:lock:")
		quoteCache = cache.NewRedisStore(redisClient, "sherpa:quote:")
	} else {
		locker = lock.NewMemoryLocker()
		quoteCache = cache.NewMemoryStore()
	}

	paasClient := initPaaSClient(cfg.PaaS, logger)

	codec, err := events.NewCodec(cfg.Events.Codec)
	if err != nil {
		logger.Fatal("events codec", zap.Error(err))
	}
	bus := events.NewBus(cfg.Events.BufferSize, logger)
	if redisClient != nil && cfg.Events.RedisChannel != "" {
		bus.AddPublisher(&events.RedisPublisher{Client: redisClient, Channel: cfg.Events.RedisChannel, Codec: codec})
	}
	if strings.TrimSpace(cfg.Kafka.Brokers) != "" {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, codec, logger)
		if err != nil {
			logger.Warn("kafka publisher disabled", zap.Error(err))
		} else {
			bus.AddPublisher(kp)
			defer kp.Close()
		}
	}

	notifier := initNotifier(cfg, paasClient, logger)
	quotes := &quote.Dexscreener{
		BaseURL:        cfg.Quote.BaseURL,
		HTTP:           &http.Client{Timeout: cfg.Quote.Timeout},
		Cache:          quoteCache,
		TTL:            cfg.Quote.CacheTTL,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.Quote.RatePerSecond), cfg.Quote.Burst),
		GasEstimateUSD: decimal.NewFromFloat(cfg.Quote.GasEstimateUSD),
	}
	broadcaster := initBroadcaster(cfg.Broadcaster, logger)
	txSigner := initSigner(cfg.Signer, logger)

	policies := &policy.Store{Repo: store, TTL: cfg.Policy.SystemTTL, Logger: logger}
	recorder := &audit.Recorder{Repo: store, PaaS: paasClient, Logger: logger}
	enforcer := &budget.Enforcer{
		Repo:         store,
		Policies:     policies,
		Risk:         &risk.Manager{Repo: store, Logger: logger},
		Logger:       logger,
		MaxAttempts:  cfg.Policy.ReserveMaxAttempts,
		UsageLogSize: cfg.Policy.UsageLogSize,
	}
	machine := &execution.Machine{
		Repo:        store,
		Budget:      enforcer,
		Policies:    policies,
		Quotes:      quotes,
		Signer:      txSigner,
		Broadcaster: broadcaster,
		Notifier:    notifier,
		Events:      bus,
		Audit:       recorder,
		Logger:      logger,
		Config:      cfg.Execution,
	}
	pool := execution.NewPool(cfg.Execution.Workers, cfg.Execution.QueueSize, machine.Advance, logger)
	machine.Enqueue = func(id string) {
		if !pool.Enqueue(id) {
			logger.Warn("execution queue full; reconciler will pick it up", zap.String("execution_id", id))
		}
	}

	sched := &scheduler.Scheduler{
		Repo:     store,
		Locker:   locker,
		Starter:  machine,
		Notifier: notifier,
		Audit:    recorder,
		Logger:   logger,
		Config:   cfg.Scheduler,
	}
	recon := &reconciler.Reconciler{
		Repo:        store,
		Machine:     machine,
		Broadcaster: broadcaster,
		Locker:      locker,
		Logger:      logger,
		Config:      cfg.Reconciler,
	}
	autopilot := &service.AutopilotService{
		Repo:     store,
		Machine:  machine,
		Budget:   enforcer,
		Policies: policies,
		Audit:    recorder,
		Events:   bus,
		Notifier: notifier,
		Locker:   locker,
		Logger:   logger,
		Config:   cfg.Policy,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(paas.InjectClientMiddleware(paasClient))
	engine.Use(paas.WriteAuditMiddleware(paasClient, logger))

	healthHandler := &handler.HealthHandler{Redis: redisClient}
	if dbConn != nil {
		healthHandler.DB = dbConn.Gorm
	}
	healthHandler.Register(engine)
	paas.RegisterDocs(engine)
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	if cfg.Auth.Disabled {
		logger.Warn("auth disabled; every caller is an admin")
	} else if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatal("auth.jwt_secret is required unless auth.disabled is set")
	}
	jwt := auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer}
	api := engine.Group("/api/v1", auth.Middleware(jwt, cfg.Auth.Disabled))
	(&handler.StrategyHandler{Service: autopilot}).Register(api)
	(&handler.ExecutionHandler{Service: autopilot}).Register(api)
	(&handler.SessionKeyHandler{Service: autopilot}).Register(api)
	(&handler.PolicyHandler{Service: autopilot}).Register(api)
	(&handler.AuditHandler{Service: autopilot}).Register(api)
	(&handler.EventStreamHandler{Bus: bus, Logger: logger, OriginPatterns: cfg.Server.WSOriginPatterns}).Register(api)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseCtx := ctx
	if paasClient != nil {
		baseCtx = paas.WithClient(ctx, paasClient)
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(baseCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("execution pool stopped", zap.Error(err))
		}
	}()

	cronRunner := cronrunner.New(logger, baseCtx)
	if cfg.Cron.Enabled {
		jobs := []struct {
			name string
			spec string
			job  cronrunner.Job
		}{
			{"scheduler_tick", cfg.Cron.SchedulerTick, sched.RunOnce},
			{"reconcile", cfg.Cron.Reconcile, recon.RunOnce},
			{"session_key_sweep", cfg.Cron.SessionKeySweep, autopilot.RunSessionKeySweep},
		}
		for _, j := range jobs {
			name, job := j.name, j.job
			tagged := func(ctx context.Context) { job(paas.WithSource(ctx, name)) }
			if _, err := cronRunner.Add(name, j.spec, tagged); err != nil {
				logger.Warn("cron register failed", zap.String("job", j.name), zap.Error(err))
			}
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	} else {
		logger.Warn("cron disabled; strategies will only run via execute")
	}

	// Pick up executions a previous process left mid-flight.
	recon.RunOnce(paas.WithSource(baseCtx, "startup"))
	paasClient.LogBestEffort("autopilot_started", "info", map[string]any{
		"storage":     cfg.Storage.Driver,
		"broadcaster": cfg.Broadcaster.Mode,
		"signer":      cfg.Signer.Mode,
	})

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("execution pool did not drain before shutdown")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Actor")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func initPaaSClient(cfg config.PaaSConfig, logger *zap.Logger) *paas.Client {
	base := strings.TrimSpace(cfg.BaseURL)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if base == "" || apiKey == "" {
		return nil
	}

	p := &paas.Client{BaseURL: base, APIKey: apiKey, Agent: cfg.Agent}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Login(ctx); err != nil {
		if logger != nil {
			logger.Warn("paas login failed (logs/notify disabled)", zap.Error(err))
		}
		return nil
	}
	if logger != nil {
		logger.Info("paas login ok")
	}
	return p
}

func initNotifier(cfg config.Config, paasClient *paas.Client, logger *zap.Logger) adapter.Notifier {
	var channels []adapter.Notifier
	if url := strings.TrimSpace(cfg.Notify.WebhookURL); url != "" {
		channels = append(channels, &notify.Webhook{URL: url, Project: cfg.Notify.Project, HTTP: &http.Client{Timeout: 5 * time.Second}})
	}
	if tok := strings.TrimSpace(cfg.Notify.TelegramBotToken); tok != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(tok, cfg.Notify.TelegramChatID)
		if err != nil {
			logger.Warn("telegram notifier disabled", zap.Error(err))
		} else {
			channels = append(channels, tg)
		}
	}
	if url := strings.TrimSpace(cfg.Notify.SlackWebhookURL); url != "" {
		channels = append(channels, &notify.Slack{WebhookURL: url})
	}
	if paasClient != nil {
		channels = append(channels, &notify.PaaS{Client: paasClient})
	}
	logger.Info("notifier channels", zap.Int("count", len(channels)))
	return &notify.Multi{Channels: channels, Logger: logger}
}

func initBroadcaster(cfg config.BroadcasterConfig, logger *zap.Logger) adapter.Broadcaster {
	if !strings.EqualFold(cfg.Mode, "live") {
		logger.Info("broadcaster in dry-run mode")
		return broadcast.NewDryRun()
	}
	relay, err := broadcast.NewRelay(
		&http.Client{Timeout: cfg.Timeout},
		cfg.BaseURL,
		cfg.APIKey,
		rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	)
	if err != nil {
		logger.Fatal("broadcaster", zap.Error(err))
	}
	return relay
}

func initSigner(cfg config.SignerConfig, logger *zap.Logger) adapter.Signer {
	var local adapter.Signer
	if strings.TrimSpace(cfg.PrivateKey) != "" || strings.EqualFold(cfg.Mode, "local") {
		l, err := signer.NewLocal(cfg.PrivateKey)
		if err != nil {
			logger.Fatal("signer", zap.Error(err))
		}
		logger.Info("local signer loaded", zap.String("address", l.Address()))
		local = l
	}
	if strings.EqualFold(cfg.Mode, "local") {
		return local
	}
	return signer.Fallback{Primary: signer.Delegated{}, Secondary: local}
}
