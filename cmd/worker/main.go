// Command worker consumes task envelopes from the broker, runs them against
// the configured executor and writes results back to the conversation.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"convo-engine/internal/broker"
	"convo-engine/internal/channel"
	"convo-engine/internal/channel/twilio"
	"convo-engine/internal/channel/whatsapp"
	"convo-engine/internal/config"
	"convo-engine/internal/store"
	"convo-engine/internal/task"
	"convo-engine/internal/worker"
	"convo-engine/pkg/logger"
	"convo-engine/pkg/utils"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env).With("process", "worker")
	slog.SetDefault(log)

	if cfg.InProcessTasks() {
		log.Error("BROKER_URL is required for the standalone worker")
		os.Exit(1)
	}
	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("worker exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.NewPostgres(db)

	// Only senders are needed here; inbound adapters live in the api.
	channels := channel.NewRegistry()
	channels.RegisterSender(channel.KindWhatsApp, whatsapp.NewGraphSender(cfg.WhatsApp.GraphBaseURL, cfg.WhatsApp.GraphVersion))
	if cfg.Twilio.SendsViaREST() {
		channels.RegisterSender(channel.KindTwilio, twilio.NewRESTSender(cfg.Twilio.APIBaseURL, cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.WhatsAppNumbers))
	}

	var fallback worker.Executor
	if cfg.Executor.URL != "" {
		fallback = worker.NewHTTPExecutor(cfg.Executor.URL, cfg.Executor.Timeout)
	} else {
		log.Warn("EXECUTOR_URL not set; every task execution will fail")
	}
	w := worker.New(st, worker.NewExecutors(fallback), channels, log)
	w.Timeout = cfg.Executor.Timeout

	client, err := broker.Dial(ctx, broker.Config{URL: cfg.Broker.URL, Exchange: cfg.Broker.Exchange, Producer: "convo-worker"}, log)
	if err != nil {
		return err
	}
	defer client.Close()

	spec := broker.ConsumerSpec{
		Name:          "task-executor",
		Exchange:      cfg.Broker.Exchange,
		Queue:         cfg.Broker.Queue,
		BindingKey:    cfg.Broker.RoutingKey,
		Prefetch:      cfg.Broker.Prefetch,
		Retry:         &broker.RetrySpec{TTL: cfg.Broker.RetryTTL, MaxAttempts: cfg.Broker.MaxAttempts},
		PoisonToFinal: true,
		Handle: broker.JSONHandler(func(ctx context.Context, meta broker.Meta, msg task.Message) error {
			if msg.TaskExecutionID == "" {
				return broker.ErrPoison
			}
			return w.Handle(logger.With(ctx, log.With("envelope_id", meta.ID)), msg)
		}),
	}

	// The api owns the outbox sweep; the worker only reaps stale executions.
	sched := cron.New()
	reaper := worker.Reaper{Store: st, StaleTimeout: cfg.Outbox.StaleTimeout}
	if err := worker.Schedule(ctx, sched, nil, reaper, "", cfg.Outbox.ReaperSpec, log); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("worker consuming", "queue", spec.Queue, "binding", spec.BindingKey)
		if err := client.Consume(gctx, spec); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return worker.RunCron(gctx, sched) })
	return g.Wait()
}
