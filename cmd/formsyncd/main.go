package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/op/go-logging"

	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/bitable"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/config"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/httpapi"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/jobqueue"
	logsetup "github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/logging"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/mapper"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/store"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/syncer"
)

var log = logging.MustGetLogger("formsyncd")

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := logsetup.Init(cfg.LogLevel); err != nil {
		log.Fatalf("configuring logging: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := hex.DecodeString(cfg.EncryptionKey)
	if err != nil {
		return errors.New("encryption key must be hex encoded")
	}
	cipher, err := store.NewFieldCipher(key)
	if err != nil {
		return err
	}
	submissions, err := store.NewStore(cfg.PostgresDSN, cipher)
	if err != nil {
		return err
	}
	defer submissions.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	queue := jobqueue.NewRedisQueue(rdb, "")
	defer queue.Close()

	monitor := jobqueue.NewMonitor(queue, jobqueue.MonitorOptions{
		HighWatermark:     int64(cfg.HighWatermark),
		CriticalWatermark: int64(cfg.CriticalWatermark),
		Window:            cfg.PressureCacheWindow,
	})
	policy := jobqueue.NewPolicy(jobqueue.PolicyOptions{
		EnqueueDelayHigh:          cfg.EnqueueDelayHigh,
		EnqueueDelayCritical:      cfg.EnqueueDelayCritical,
		BackoffMultiplierHigh:     cfg.BackoffMultiplierHigh,
		BackoffMultiplierCritical: cfg.BackoffMultiplierCritical,
	})

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	tokens := bitable.NewTokenSource(bitable.TokenSourceOptions{
		BaseURL:    cfg.BitableBaseURL,
		AppID:      cfg.BitableAppID,
		AppSecret:  cfg.BitableAppSecret,
		HTTPClient: httpClient,
	})
	client := bitable.NewClient(bitable.ClientOptions{
		BaseURL:       cfg.BitableBaseURL,
		AppToken:      cfg.BitableAppToken,
		TableID:       cfg.BitableTableID,
		TokenProvider: tokens.Token,
		HTTPClient:    httpClient,
	})
	fieldMeta := bitable.NewFieldMetaCache(client.FetchFieldMeta)

	overrides, err := mapper.NewOverrideWatcher(cfg.FieldOverridesFile, cfg.FieldNames)
	if err != nil {
		return err
	}
	defer overrides.Close()
	go overrides.Watch(ctx)

	fieldMapper := mapper.New(fieldMeta, overrides.Names)

	events := syncer.NewEventHub()
	sync := syncer.New(submissions, client, fieldMapper, events)

	worker := jobqueue.NewWorker(queue, sync.HandleJob, jobqueue.WorkerOptions{
		Concurrency: cfg.SyncWorkers,
		BackoffMax:  cfg.SyncBackoffMax,
		Classify:    bitable.IsRetryable,
		Multiplier: func() float64 {
			return policy.RetryBackoffMultiplier(monitor.Sample(context.Background()).Level)
		},
	})
	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	api, err := httpapi.NewServer(submissions, queue, monitor, policy, events, httpapi.ServerConfig{
		SyncAttempts:    cfg.SyncAttempts,
		SyncBackoffBase: cfg.SyncBackoffBase,
	})
	if err != nil {
		return err
	}
	server := &http.Server{Addr: cfg.ListenAddr, Handler: api}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("formsyncd listening on %s", cfg.ListenAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warningf("http shutdown: %v", err)
	}
	select {
	case <-workerDone:
	case <-time.After(shutdownGrace):
		log.Warningf("workers did not drain in time")
	}
	return nil
}
