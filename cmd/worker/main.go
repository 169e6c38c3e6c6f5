package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/devdoxai/queueworker/internal/audit"
	"github.com/devdoxai/queueworker/internal/claimregistry"
	"github.com/devdoxai/queueworker/internal/config"
	"github.com/devdoxai/queueworker/internal/contracts"
	"github.com/devdoxai/queueworker/internal/fleet"
	"github.com/devdoxai/queueworker/internal/mailer"
	"github.com/devdoxai/queueworker/internal/postgres"
	"github.com/devdoxai/queueworker/internal/queue"
	"github.com/devdoxai/queueworker/internal/retrypolicy"
	"github.com/devdoxai/queueworker/pkg/observability"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadFleetConfig()
	if err != nil {
		log.Fatalf("failed to load fleet configuration: %v", err)
	}

	_, logger, err := observability.InitLogger(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	slog.SetDefault(logger)

	if _, err := observability.InitTracerProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled); err != nil {
		log.Fatalf("failed to init tracer provider: %v", err)
	}
	if _, err := observability.InitMeterProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled); err != nil {
		log.Fatalf("failed to init meter provider: %v", err)
	}

	appLogger := contracts.NewSlogLogger(logger)

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pool.Close()

	q := queue.NewPostgresQueue(pool, contracts.SystemClock{}, appLogger)
	registry := claimregistry.NewPostgresRegistry(pool, contracts.SystemClock{})
	policy := retrypolicy.New(q, retrypolicy.Config{
		RetryBaseSeconds: cfg.Retry.RetryBaseSeconds,
		RetryCapSeconds:  cfg.Retry.RetryCapSeconds,
	}, appLogger)

	var handler contracts.MessageHandler = contracts.NoopMessageHandler{}
	var auditNotifier *audit.Notifier
	if cfg.Mail.FromAddr != "" {
		dispatcher, err := mailer.NewDispatcher(mailer.Config{
			Host:          cfg.Mail.SMTPHost,
			Port:          cfg.Mail.SMTPPort,
			Username:      cfg.Mail.SMTPUser,
			Password:      cfg.Mail.SMTPPass,
			FromAddr:      cfg.Mail.FromAddr,
			SubjectPrefix: cfg.Mail.SubjectPrefix,
			RedirectAllTo: cfg.Mail.RedirectAllTo(),
			AlwaysBCC:     cfg.Mail.AlwaysBCC(),
		})
		if err != nil {
			log.Fatalf("failed to build mail dispatcher: %v", err)
		}
		auditNotifier = audit.New(dispatcher, cfg.Mail.AuditRecipients(), appLogger)
	} else {
		appLogger.Warning(ctx, "fleet: QW_MAIL_FROM not set, audit notifications are logged only")
		auditNotifier = audit.New(noopDispatcher{}, nil, appLogger)
	}

	workers := make([]*fleet.Worker, 0, cfg.WorkerCount)
	statsSources := make([]fleet.StatsSource, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := workerID(cfg.Queue.Name, i)
		w := fleet.New(workerID, cfg.Queue.Name, allowedJobTypes, q, registry, handler, policy, auditNotifier,
			fleet.WithVisibilityTimeout(time.Duration(cfg.Queue.VisibilityTimeoutSec)*time.Second),
			fleet.WithPollInterval(time.Duration(cfg.Queue.PollIntervalMS)*time.Millisecond),
			fleet.WithBatchSize(cfg.Queue.BatchSize),
			fleet.WithConsecutiveFailureLimit(cfg.MaxConsecutiveFailures),
			fleet.WithShutdownGrace(cfg.ShutdownGrace),
			fleet.WithLogger(appLogger),
		)
		workers = append(workers, w)
		statsSources = append(statsSources, w)
	}

	monitor := fleet.NewWorkerHealthMonitor(statsSources, appLogger, contracts.SystemClock{}, 60*time.Second)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *fleet.Worker) {
			defer wg.Done()
			if err := w.Start(runCtx); err != nil && err != context.Canceled {
				appLogger.Exception(ctx, "fleet: worker exited with error", err)
			}
		}(w)
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	go monitor.Run(monitorCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	appLogger.Info(ctx, "fleet: shutdown signal received, stopping workers")
	stopMonitor()
	for _, w := range workers {
		_ = w.Stop()
	}
	cancel()

	stopped := make(chan struct{})
	go func() { wg.Wait(); close(stopped) }()
	select {
	case <-stopped:
		appLogger.Info(ctx, "fleet: all workers stopped")
	case <-time.After(cfg.ShutdownGrace):
		appLogger.Warning(ctx, "fleet: shutdown grace elapsed before all workers stopped", "grace", cfg.ShutdownGrace)
	}
}

// allowedJobTypes restricts what a worker in this fleet will dequeue at all;
// messages of any other job_type are left for a different consumer. This is
// distinct from fleet's own internal dispatch gate, which further decides
// whether a dequeued job actually reaches the handler.
var allowedJobTypes = []string{"analyze", "process"}

func workerID(queueName string, index int) string {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return host + "-" + queueName + "-" + strconv.Itoa(index)
}

// noopDispatcher backs the audit notifier when no SMTP sender is configured;
// audit.Notifier already logs-and-continues on dispatch failure, so this
// just turns every send into that logged no-op.
type noopDispatcher struct{}

var errDispatcherUnconfigured = errors.New("mailer: no SMTP sender configured (QW_MAIL_FROM unset)")

func (noopDispatcher) SendTemplatedHTML(ctx context.Context, to []string, t contracts.EmailTemplate, data any) error {
	return errDispatcherUnconfigured
}
