package consumer

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/natsclient"
)

const (
	hourlyQueueName = "alerts-cron-hourly-consumer"
	dailyQueueName  = "alerts-cron-daily-consumer"
)

// MaintenanceTasks are the operations the cron consumer runs on ticks.
// Nil members are skipped.
type MaintenanceTasks struct {
	RebuildProjections func(ctx context.Context) error
	CheckpointState    func(ctx context.Context) error
	PruneLogs          func(ctx context.Context) error
}

// CronConsumer listens for scheduler ticks and runs pipeline maintenance.
type CronConsumer struct {
	nats   *natsclient.Client
	tasks  MaintenanceTasks
	logger *zap.Logger
}

// NewCronConsumer creates a CronConsumer.
func NewCronConsumer(nc *natsclient.Client, tasks MaintenanceTasks, logger *zap.Logger) *CronConsumer {
	return &CronConsumer{
		nats:   nc,
		tasks:  tasks,
		logger: logger,
	}
}

// Start subscribes to the cron tick subjects and processes ticks until
// ctx is cancelled.
func (c *CronConsumer) Start(ctx context.Context) error {
	// Cron ticks arrive over plain NATS. Queue subscriptions make sure
	// only one service instance processes each tick.
	_, err := c.nats.Conn.QueueSubscribe(natsclient.SubjectCronHourly, hourlyQueueName, func(_ *nats.Msg) {
		c.processHourly(ctx)
	})
	if err != nil {
		return err
	}
	_, err = c.nats.Conn.QueueSubscribe(natsclient.SubjectCronDaily, dailyQueueName, func(_ *nats.Msg) {
		c.processDaily(ctx)
	})
	if err != nil {
		return err
	}

	c.logger.Info("cron consumer started",
		zap.String("hourly_subject", natsclient.SubjectCronHourly),
		zap.String("daily_subject", natsclient.SubjectCronDaily),
	)

	go func() {
		<-ctx.Done()
		c.logger.Info("cron consumer stopping")
	}()

	return nil
}

// processHourly rebuilds the projections and checkpoints dedupe state.
// The checkpoint runs even when the rebuild fails; losing dedupe state
// costs duplicate alerts, losing a rebuild only costs freshness.
func (c *CronConsumer) processHourly(ctx context.Context) {
	c.logger.Info("received hourly cron tick")

	if c.tasks.RebuildProjections != nil {
		if err := c.tasks.RebuildProjections(ctx); err != nil {
			c.logger.Error("projection rebuild failed", zap.Error(err))
		}
	}
	if c.tasks.CheckpointState != nil {
		if err := c.tasks.CheckpointState(ctx); err != nil {
			c.logger.Error("state checkpoint failed", zap.Error(err))
		}
	}
}

// processDaily prunes aged logs.
func (c *CronConsumer) processDaily(ctx context.Context) {
	c.logger.Info("received daily cron tick")

	if c.tasks.PruneLogs != nil {
		if err := c.tasks.PruneLogs(ctx); err != nil {
			c.logger.Error("log pruning failed", zap.Error(err))
		}
	}
}
