package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/broker"
	"github.com/bizosaas/eventcore/internal/bus"
	"github.com/bizosaas/eventcore/internal/event"
	"github.com/bizosaas/eventcore/internal/failover"
	"github.com/bizosaas/eventcore/internal/infra"
	"github.com/bizosaas/eventcore/internal/server"
	"github.com/bizosaas/eventcore/internal/store"
	"github.com/bizosaas/eventcore/internal/subscription"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	eventStore, err := buildStore(cfg, rdb, logger)
	if err != nil {
		logger.Fatal("event store init failed", zap.Error(err))
	}
	messageBroker, err := buildBroker(cfg, rdb, logger)
	if err != nil {
		logger.Fatal("broker init failed", zap.Error(err))
	}

	// 3. Метрики и ядро шины
	reg := prometheus.NewRegistry()
	metrics := bus.NewMetrics(reg)

	subs := subscription.NewManager(rdb, logger)
	eventBus := bus.NewBus(cfg.Bus, eventStore, messageBroker, subs, rdb, logger, metrics)
	if err := eventBus.Initialize(appCtx); err != nil {
		logger.Fatal("event bus init failed", zap.Error(err))
	}
	if err := eventBus.Start(appCtx); err != nil {
		logger.Fatal("event bus start failed", zap.Error(err))
	}

	// 4. Failover-контроллер: аудит, алерты, доменные события
	ctrl := failover.NewController(cfg.Failover, logger)
	ctrl.SetNotifier(failover.MultiNotifier{
		failover.NewZapNotifier(logger),
		failover.NewRedisNotifier(rdb, logger),
	})
	ctrl.SetEventEmitter(func(ctx context.Context, e *event.Event) {
		eventBus.PublishEvent(ctx, e, e.TenantID)
	})

	if cfg.Failover.AuditSink && cfg.Store.PostgresURL != "" {
		sink, err := failover.NewPostgresSink(cfg.Store.PostgresURL)
		if err != nil {
			logger.Fatal("failover audit sink init failed", zap.Error(err))
		}
		if err := sink.Initialize(appCtx); err != nil {
			logger.Fatal("failover audit sink schema failed", zap.Error(err))
		}
		writer := failover.NewAuditWriter(sink, logger)
		writer.Start()
		ctrl.SetAuditWriter(writer)
		defer sink.Close()
	}

	if err := ctrl.InitializeFromConfig(); err != nil {
		logger.Fatal("failover registry init failed", zap.Error(err))
	}

	// 5. HTTP Server
	api := server.NewServer(cfg, logger, eventBus, ctrl, subs, reg)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("event platform started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("event platform stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	// Порядок важен: сперва шина (дожим доставок), затем аудит failover
	if err := eventBus.Stop(); err != nil {
		logger.Error("bus shutdown failed", zap.Error(err))
	}
	ctrl.StopAudit()

	logger.Info("event platform exited properly")
}

// buildStore выбирает бэкенд хранилища по конфигурации.
func buildStore(cfg *infra.Config, rdb *redis.Client, logger *zap.Logger) (store.EventStore, error) {
	switch cfg.Store.Backend {
	case "redis", "":
		return store.NewRedisStore(rdb, logger), nil
	case "postgres":
		return store.NewPostgresStore(cfg.Store.PostgresURL, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildBroker выбирает транспорт нотификаций по конфигурации.
func buildBroker(cfg *infra.Config, rdb *redis.Client, logger *zap.Logger) (broker.MessageBroker, error) {
	switch cfg.Broker.Backend {
	case "redis", "":
		return broker.NewRedisBroker(rdb, logger), nil
	case "nats":
		return broker.NewNatsBroker(cfg.Broker.NatsURL, logger), nil
	case "memory":
		return broker.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}
