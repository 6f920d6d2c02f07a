package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/polychat/internal/bootstrap"
	"github.com/suPer8Hu/polychat/internal/chat"
	"github.com/suPer8Hu/polychat/internal/config"
	"github.com/suPer8Hu/polychat/internal/logging"
	"github.com/suPer8Hu/polychat/internal/store/rabbitmq"
)

// maxJobRetries bounds republishing of jobs that hit a transient upstream error.
const maxJobRetries = 3

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.Setup("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap")
	}
	defer app.Close()
	svc := app.Service

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	retries, err := rabbitmq.NewPublisherWithChannel(ch, cfg.RabbitQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue declare")
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("consume")
	}

	logger.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := logger.With().Int("worker", workerID).Logger()
			for d := range jobs {
				handleDelivery(ctx, wlog, svc, retries, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Warn().Msg("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, logger zerolog.Logger, svc *chat.Service, retries *rabbitmq.Publisher, d amqp.Delivery) {
	jobID, err := rabbitmq.DecodeJob(d)
	if err != nil {
		logger.Warn().Err(err).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err = svc.ProcessJob(ctx, jobID)
	if err == nil {
		if err := d.Ack(false); err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("ack failed")
		}
		return
	}

	attempt := rabbitmq.RetryCount(d) + 1
	jlog := logger.With().Err(err).Str("job_id", jobID).Dur("cost", time.Since(start)).Int("attempt", attempt).Logger()
	if chat.Retryable(err) && attempt <= maxJobRetries {
		delay := rabbitmq.RetryDelay(attempt)
		rerr := scheduleRetry(ctx, svc, retries, jobID, attempt, delay)
		if rerr == nil {
			jlog.Warn().Dur("delay", delay).Msg("job failed, retry scheduled")
			_ = d.Ack(false)
			return
		}
		jlog.Error().AnErr("retry_err", rerr).Msg("schedule retry")
	}

	// dead-letter to the DLQ
	jlog.Error().Msg("job failed")
	_ = d.Nack(false, false)
}

func scheduleRetry(ctx context.Context, svc *chat.Service, retries *rabbitmq.Publisher, jobID string, attempt int, delay time.Duration) error {
	if err := svc.RequeueJob(ctx, jobID); err != nil {
		return err
	}
	return retries.PublishRetry(ctx, jobID, attempt, delay)
}
