package jobs

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// periodicEntries defines the recurring sweeps. All run single-instance on
// the default queue with queue-default retry.
var periodicEntries = []struct {
	taskType string
	every    time.Duration
}{
	{TypePriceRefresh, time.Minute},
	{TypeInventorySync, time.Minute},
	{TypeExpirySweep, 5 * time.Minute},
	{TypeReferralSweep, 10 * time.Minute},
	{TypeVoucherExpiry, time.Hour},
}

// NewScheduler registers the recurring jobs. Registrations live in process,
// so a restart starts from a clean slate.
func NewScheduler(redisOpt asynq.RedisConnOpt, logger *slog.Logger) (*asynq.Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err == nil {
				return
			}
			taskType := "unknown"
			if info != nil {
				taskType = info.Type
			}
			logger.Error("periodic enqueue failed", "type", taskType, "error", err)
		},
	})
	for _, entry := range periodicEntries {
		spec := fmt.Sprintf("@every %s", entry.every)
		task := asynq.NewTask(entry.taskType, nil, asynq.Queue(QueueDefault))
		if _, err := scheduler.Register(spec, task); err != nil {
			return nil, fmt.Errorf("jobs: register %s: %w", entry.taskType, err)
		}
	}
	return scheduler, nil
}
