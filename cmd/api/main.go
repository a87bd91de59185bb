package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"convo-engine/internal/audit"
	"convo-engine/internal/auth"
	"convo-engine/internal/broker"
	"convo-engine/internal/channel"
	"convo-engine/internal/channel/twilio"
	"convo-engine/internal/channel/webchat"
	"convo-engine/internal/channel/whatsapp"
	"convo-engine/internal/config"
	"convo-engine/internal/console"
	"convo-engine/internal/engine"
	"convo-engine/internal/httpapi"
	"convo-engine/internal/live"
	"convo-engine/internal/llm/gemini"
	"convo-engine/internal/orchestrator"
	"convo-engine/internal/reporting"
	"convo-engine/internal/store"
	"convo-engine/internal/task"
	"convo-engine/internal/worker"
	"convo-engine/pkg/logger"
	"convo-engine/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return err
	}
	defer rdb.Close()

	model, err := gemini.New(ctx, gemini.Config{
		APIKey:          cfg.AI.GeminiAPIKey,
		Model:           cfg.AI.Model,
		Temperature:     cfg.AI.Temperature,
		MaxOutputTokens: cfg.AI.MaxOutputTokens,
	})
	if err != nil {
		return err
	}

	st := store.NewPostgres(db)
	channels := newChannels(cfg)
	hub := live.NewHub(log)

	proc := engine.NewProcessor(st, channels, orchestrator.New(model, cfg.AI.Timeout), task.NewDispatcher(cfg.Broker.RoutingKey), cfg.AI.HistoryLimit)
	proc.Guard = engine.NewRedisGuard(rdb, cfg.Engine.SenderLockTTL, cfg.Engine.SenderLockWait, cfg.Engine.DedupeTTL)
	proc.Live = hub

	// Tasks either run in this process or go to the broker for cmd/worker.
	var (
		pub   worker.Publisher
		queue *worker.Queue
		w     *worker.Worker
	)
	if cfg.InProcessTasks() {
		queue = worker.NewQueue(cfg.Outbox.BatchSize)
		w = worker.New(st, newExecutors(cfg), channels, log)
		w.Live = hub
		w.Timeout = cfg.Executor.Timeout
		pub = queue
		log.Warn("BROKER_URL not set; executing tasks in-process")
	} else {
		client, err := broker.Dial(ctx, broker.Config{URL: cfg.Broker.URL, Exchange: cfg.Broker.Exchange, Producer: "convo-api"}, log)
		if err != nil {
			return err
		}
		defer client.Close()
		pub = worker.BrokerPublisher{Client: client, RoutingKey: cfg.Broker.RoutingKey}
	}

	relay := worker.NewRelay(st, pub, cfg.Outbox.BatchSize, log)
	proc.Relay = relay

	sched := cron.New()
	reaper := worker.Reaper{Store: st, StaleTimeout: cfg.Outbox.StaleTimeout}
	if err := worker.Schedule(ctx, sched, relay, reaper, cfg.Outbox.SweepSpec, cfg.Outbox.ReaperSpec, log); err != nil {
		return err
	}

	var inflight sync.WaitGroup
	h := httpapi.Handlers{
		Processor: proc,
		Console:   console.NewService(st, channels, audit.NewService(store.NewAuditRepo(db)), hub),
		Reports:   reporting.NewService(st),
		Hub:       hub,
		Store:     st,
		WhatsApp:  httpapi.WhatsAppOptions{VerifyToken: cfg.WhatsApp.VerifyToken, AppSecret: cfg.WhatsApp.AppSecret},
		Twilio:    httpapi.TwilioOptions{AuthToken: cfg.Twilio.AuthToken, PublicBaseURL: cfg.Twilio.PublicBaseURL},
		Inflight:  &inflight,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           newRouter(log, h, auth.RequireAccessToken(authManager)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Model calls and executor round trips can be slow.
		WriteTimeout: cfg.AI.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Twilio turns answered asynchronously still hold a model call.
		inflight.Wait()
		return err
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return worker.RunCron(gctx, sched) })
	if queue != nil {
		g.Go(func() error { return queue.Run(gctx, w) })
	}
	return g.Wait()
}

func newChannels(cfg config.Config) *channel.Registry {
	reg := channel.NewRegistry()
	reg.Register(whatsapp.NewAdapter())
	reg.Register(twilio.NewAdapter())
	reg.Register(webchat.NewAdapter())
	reg.RegisterSender(channel.KindWhatsApp, whatsapp.NewGraphSender(cfg.WhatsApp.GraphBaseURL, cfg.WhatsApp.GraphVersion))
	if cfg.Twilio.SendsViaREST() {
		reg.RegisterSender(channel.KindTwilio, twilio.NewRESTSender(cfg.Twilio.APIBaseURL, cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.WhatsAppNumbers))
	}
	return reg
}

// newExecutors routes every function to the configured HTTP executor.
// Without one, executions fail with worker.ErrNoExecutor.
func newExecutors(cfg config.Config) *worker.Executors {
	if cfg.Executor.URL == "" {
		return worker.NewExecutors(nil)
	}
	return worker.NewExecutors(worker.NewHTTPExecutor(cfg.Executor.URL, cfg.Executor.Timeout))
}
