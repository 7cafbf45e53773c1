package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	app "github.com/praxhq/prax"
	"github.com/praxhq/prax/internal/bus"
	"github.com/praxhq/prax/internal/config"
	"github.com/praxhq/prax/internal/engine"
	"github.com/praxhq/prax/internal/gateway"
	"github.com/praxhq/prax/internal/notify"
	"github.com/praxhq/prax/internal/server"
	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/internal/trigger"
	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

type prax struct {
	cfg        *config.Config
	redis      *redis.Client
	stores     *store.Stores
	bus        *bus.Bus
	engine     *engine.Engine
	scheduler  *trigger.Scheduler
	apiServer  *server.Server
	httpServer *http.Server
	stop       context.CancelFunc
	quit       chan os.Signal
}

var ErrConnectRedis = errors.New("failed to connect to redis")

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

const approvalSweepInterval = time.Minute

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &prax{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(1)
	}
}

func (s *prax) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	if err := s.initializeStores(ctx); err != nil {
		return err
	}
	s.initializeEngine(ctx)
	if err := s.initializeTriggers(ctx); err != nil {
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *prax) setupLogging() {
	level, ok := logLevels[s.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}

	env := os.Getenv("ENV")
	logger := log.NewWithLevel(app.Name, env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Prax starting",
		slog.String("log_level", s.cfg.LogLevel))

	slog.Info("Configuration loaded",
		slog.String("redis_addr", s.cfg.Redis.Addr),
		slog.Int("redis_db", s.cfg.Redis.DB),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort))
}

func (s *prax) initializeStores(ctx context.Context) error {
	s.redis = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectRedis, err)
	}

	s.stores = store.NewRedisStores(s.redis, s.cfg.Redis.Prefix)
	return nil
}

func (s *prax) initializeEngine(ctx context.Context) {
	s.bus = bus.New(slog.Default())

	notifiers := notify.NewRegistry()
	notifiers.Register(api.ChannelWebhook, notify.NewWebhookNotifier())
	notifiers.Register(api.ChannelEmail,
		notify.NewEmailNotifier(slog.Default()))
	if s.cfg.SlackWebhookURL != "" {
		notifiers.Register(api.ChannelSlack,
			notify.NewSlackNotifier(s.cfg.SlackWebhookURL))
	}

	opts := []engine.Option{engine.WithNotifiers(notifiers)}
	if s.cfg.OpenAIKey != "" {
		opts = append(opts, engine.WithGateway(gateway.NewOpenAIGateway(
			slog.Default(), s.cfg.OpenAIKey, s.cfg.OpenAIBaseURL,
		)))
	}

	s.engine = engine.New(s.cfg, slog.Default(), s.stores, s.bus, opts...)
	s.engine.StartSweeper(ctx, approvalSweepInterval)

	if len(s.cfg.EventWebhookURLs) > 0 {
		hooks := bus.NewWebhookPublisher(
			slog.Default(), s.cfg.EventWebhookURLs,
		)
		s.bus.SubscribeAll(hooks.Handle)
	}
	if s.cfg.InformedLogPath != "" {
		s.subscribeInformedLog(ctx)
	}

	if err := s.engine.Recover(ctx); err != nil {
		slog.Error("Recovery failed", log.Error(err))
	}
}

// subscribeInformedLog appends informed-role notifications to the audit
// trail file
func (s *prax) subscribeInformedLog(ctx context.Context) {
	sink := notify.NewFileNotifier(s.cfg.InformedLogPath)
	s.bus.Subscribe(func(e api.Event) {
		ev, ok := e.(*api.InformedNotificationEvent)
		if !ok {
			return
		}
		err := sink.Send(ctx, notify.Message{
			Subject: fmt.Sprintf("step %s %s", ev.StepID, ev.Outcome),
			Body: fmt.Sprintf("execution %s step %s %s",
				ev.ExecutionID, ev.StepID, ev.Outcome),
			Recipients: ev.Informed,
		})
		if err != nil {
			slog.Warn("informed log write failed", log.Error(err))
		}
	}, api.EventInformedNotification)
}

func (s *prax) initializeTriggers(ctx context.Context) error {
	s.scheduler = trigger.NewScheduler(
		slog.Default(), s.stores.Definitions, s.engine,
	)
	return s.scheduler.Start(ctx)
}

func (s *prax) startServer() {
	s.apiServer = server.NewServer(s.engine, s.stores, s.scheduler)
	mux := s.apiServer.SetupRoutes()

	stream := bus.NewStreamPublisher(slog.Default(), s.apiServer.Broadcast)
	s.bus.SubscribeAll(stream)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler: mux,
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *prax) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}

	s.apiServer.CloseWebSockets()
	s.scheduler.Stop()
	s.stop()

	if err := s.engine.Shutdown(ctx); err != nil {
		slog.Error("Engine shutdown failed", log.Error(err))
	}

	_ = s.redis.Close()

	slog.Info("Server exited")
}
