package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"dealflow/internal/api"
	"dealflow/internal/dispatch"
	"dealflow/internal/dropdown"
	"dealflow/internal/processor"
	"dealflow/internal/scheduler"
	"dealflow/internal/store"
	"dealflow/internal/submit"
	"dealflow/internal/worker"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP bind address")
		dbPath       = flag.String("db", "dealflow.db", "SQLite DB path")
		redisAddr    = flag.String("redis", "127.0.0.1:6379", "Redis address for queue and cache")
		queue        = flag.String("queue", "deals", "queue name for dispatched work")
		workers      = flag.Int("workers", 8, "worker concurrency")
		cacheTTL     = flag.Duration("cache-ttl", 10*time.Minute, "dropdown cache TTL")
		warmCron     = flag.String("warm-cron", "@every 5m", "cron spec for dropdown cache warming (empty disables)")
		processDelay = flag.Duration("process-delay", 15*time.Second, "simulated processing duration")
		webhookURL   = flag.String("webhook", "", "downstream webhook URL (empty uses simulated processing)")
		debug        = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if *warmCron != "" {
		if err := scheduler.ValidateCronExpression(*warmCron); err != nil {
			log.Fatal().Err(err).Str("spec", *warmCron).Msg("invalid warm-cron spec")
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	redisOpt := asynq.RedisClientOpt{Addr: *redisAddr}
	dispatcher := dispatch.NewClient(redisOpt, *queue)
	defer dispatcher.Close()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()

	dropdowns := dropdown.NewService(repo, rdb, *cacheTTL)
	submitter := submit.NewService(repo, dispatcher)

	var proc processor.Processor = processor.Simulated{Delay: *processDelay}
	if *webhookURL != "" {
		proc = processor.Webhook{URL: *webhookURL}
	}

	srv := worker.NewServer(redisOpt, worker.NewHandler(repo, proc), worker.Config{
		Concurrency: *workers,
		Queue:       *queue,
	})
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("start worker server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	warmer := scheduler.NewService(dropdowns, *warmCron)
	if err := warmer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start cache warmer")
	}

	httpSrv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(repo, submitter, dropdowns, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	warmer.Stop()
	srv.Shutdown()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = httpSrv.Shutdown(ctxTimeout)
}
