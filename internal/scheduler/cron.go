// Package scheduler emits the periodic maintenance ticks for the
// alerts-service.
//
// It publishes lightweight tick events to NATS so pipeline maintenance
// reacts to scheduled intervals without owning its own timers:
//
//	@hourly → SYSTEM_EVENTS.cron.hourly   (projection rebuild, state checkpoint)
//	@daily  → SYSTEM_EVENTS.cron.daily    (log pruning)
//
// The in-process cron consumer subscribes to these subjects to trigger
// the actual work.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/natsclient"
)

// cronPayload is the JSON envelope published for each tick.
type cronPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

// CronScheduler wraps robfig/cron and publishes tick events to NATS.
type CronScheduler struct {
	cron   *cron.Cron
	nats   *natsclient.Client
	logger *zap.Logger
}

// NewCronScheduler creates and configures the scheduler.
func NewCronScheduler(nc *natsclient.Client, logger *zap.Logger) *CronScheduler {
	return &CronScheduler{
		cron:   cron.New(cron.WithSeconds()),
		nats:   nc,
		logger: logger,
	}
}

// Start registers the cron jobs and starts the scheduler.
// Call Stop() to gracefully shut down.
func (s *CronScheduler) Start() error {
	if _, err := s.cron.AddFunc("@hourly", s.publishHourly); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", s.publishDaily); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		zap.String("hourly_subject", natsclient.SubjectCronHourly),
		zap.String("daily_subject", natsclient.SubjectCronDaily),
	)
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *CronScheduler) publishHourly() {
	s.publish(natsclient.SubjectCronHourly, "cron.hourly")
}

func (s *CronScheduler) publishDaily() {
	s.publish(natsclient.SubjectCronDaily, "cron.daily")
}

func (s *CronScheduler) publish(subject, event string) {
	payload := cronPayload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal cron payload", zap.Error(err))
		return
	}

	// Cron ticks are ephemeral signals, so they go over plain NATS
	// rather than JetStream.
	if err := s.nats.Conn.Publish(subject, data); err != nil {
		s.logger.Error("failed to publish cron event",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("cron tick published",
		zap.String("subject", subject),
		zap.String("event", event),
	)
}
