package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBreakdownWarmup reloads every variant's unit breakdown into the cache.
	TaskBreakdownWarmup = "inventory:breakdown_warmup"
	// TaskKasbonIntegrity verifies payment history against total paid.
	TaskKasbonIntegrity = "kasbon:integrity"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// SchedulePayload carries scheduling metadata shared by periodic tasks.
type SchedulePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// CleanupPayload configures idempotency cleanup.
type CleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewBreakdownWarmupTask constructs a cache warmup task.
func NewBreakdownWarmupTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskBreakdownWarmup, SchedulePayload{ScheduledFor: at})
}

// NewKasbonIntegrityTask constructs an integrity check task.
func NewKasbonIntegrityTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskKasbonIntegrity, SchedulePayload{ScheduledFor: at})
}

// NewIdempotencyCleanupTask constructs a cleanup task keeping keys younger than retention.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, CleanupPayload{Retention: retention})
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueDefault)), nil
}
