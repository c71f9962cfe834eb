// Package sweep runs the periodic scheduler maintenance jobs.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/gpulease/internal/alert"
	"github.com/router-for-me/gpulease/internal/billing"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/metrics"
	internalsettings "github.com/router-for-me/gpulease/internal/settings"
)

// Job schedules.
const (
	SettingsSchedule     = "@every 1m"
	AuditSchedule        = "@every 5m"
	ReactivationSchedule = "@every 10m"
	PruneSchedule        = "@daily"
)

const jobTimeout = 2 * time.Minute

// Sweeper owns the cron runner and the jobs it drives.
type Sweeper struct {
	db         *gorm.DB
	capacity   *capacity.Ledger
	reconciler *billing.Reconciler
	sink       alert.Sink
	now        func() time.Time
	cron       *cron.Cron
}

// New constructs a Sweeper. A nil sink logs alerts.
func New(conn *gorm.DB, capacityLedger *capacity.Ledger, reconciler *billing.Reconciler, sink alert.Sink) *Sweeper {
	if sink == nil {
		sink = alert.NewLogSink()
	}
	logger := cron.PrintfLogger(log.StandardLogger())
	return &Sweeper{
		db:         conn,
		capacity:   capacityLedger,
		reconciler: reconciler,
		sink:       sink,
		now:        time.Now,
		cron:       cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
	}
}

// Start registers the jobs and runs them until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{SettingsSchedule, "settings", s.ReloadSettings},
		{AuditSchedule, "audit", s.AuditCapacity},
		{ReactivationSchedule, "reactivate", s.ReactivateSubscriptions},
		{PruneSchedule, "prune", s.PruneJournal},
	}
	for _, job := range jobs {
		job := job
		if _, errAdd := s.cron.AddFunc(job.spec, func() {
			jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			if errRun := job.run(jobCtx); errRun != nil {
				log.WithError(errRun).WithField("job", job.name).Warn("sweep: job failed")
			}
		}); errAdd != nil {
			return fmt.Errorf("sweep: schedule %s: %w", job.name, errAdd)
		}
	}

	s.cron.Start()
	log.Info("sweep: scheduler started")
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		log.Info("sweep: scheduler stopped")
	}()
	return nil
}

// ReloadSettings refreshes the runtime settings snapshot.
func (s *Sweeper) ReloadSettings(ctx context.Context) error {
	return internalsettings.Reload(ctx, s.db)
}

// AuditCapacity publishes pool gauges and reports invariant violations. It never mutates.
func (s *Sweeper) AuditCapacity(ctx context.Context) error {
	report, err := s.capacity.Audit(ctx, s.db)
	if err != nil {
		return err
	}
	metrics.PoolUsageGPUs.Set(float64(report.Usage))
	metrics.PoolCapacityGPUs.Set(float64(report.Capacity))

	if report.Usage > report.Capacity {
		s.sink.Report(ctx, fmt.Errorf("%w: usage=%d capacity=%d", capacity.ErrCapacityExceeded, report.Usage, report.Capacity),
			map[string]any{"source": "audit"})
	}
	if len(report.Inconsistent) > 0 {
		s.sink.Report(ctx, fmt.Errorf("sweep: models with inconsistent enablement: %v", report.Inconsistent),
			map[string]any{"source": "audit"})
	}
	log.WithFields(log.Fields{"usage": report.Usage, "capacity": report.Capacity, "enabled": report.Enabled}).Debug("sweep: capacity audited")
	return nil
}

// ReactivateSubscriptions enables paid models that were waiting for capacity.
func (s *Sweeper) ReactivateSubscriptions(ctx context.Context) error {
	enabled, err := s.reconciler.ReactivatePending(ctx)
	if enabled > 0 {
		log.WithField("enabled", enabled).Info("sweep: subscribed models reactivated")
	}
	return err
}

// PruneJournal deletes processed webhook events past the retention window.
func (s *Sweeper) PruneJournal(ctx context.Context) error {
	days := internalsettings.IntValue(internalsettings.WebhookRetentionDaysKey, internalsettings.DefaultWebhookRetentionDays)
	if days <= 0 {
		days = internalsettings.DefaultWebhookRetentionDays
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	removed, err := s.reconciler.Journal().Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.WithField("removed", removed).Info("sweep: webhook journal pruned")
	}
	return nil
}
