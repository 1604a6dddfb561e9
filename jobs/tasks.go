package jobs

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRankingRefresh rebuilds the ranking snapshot from the ledger.
	TaskRankingRefresh = "ranking:refresh"
)

// Refresh reasons carried in the payload.
const (
	ReasonCommit   = "commit"
	ReasonSchedule = "schedule"
	ReasonManual   = "manual"
)

// RankingRefreshPayload records why a refresh was requested.
type RankingRefreshPayload struct {
	Reason string `json:"reason"`
}

// NewRankingRefreshTask constructs an Asynq task.
func NewRankingRefreshTask(reason string, opts ...asynq.Option) (*asynq.Task, error) {
	if reason == "" {
		reason = ReasonSchedule
	}
	data, err := json.Marshal(RankingRefreshPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueDefault)}, opts...)
	return asynq.NewTask(TaskRankingRefresh, data, opts...), nil
}

// refreshWindow returns the task id and start time for a commit-driven
// refresh. Every trigger inside one window maps to the same id, so pending
// requests collapse into one task that starts once the window closes.
func refreshWindow(now time.Time, window time.Duration) (string, time.Time) {
	start := now.Truncate(window)
	return TaskRankingRefresh + ":" + strconv.FormatInt(start.UnixMilli(), 10), start.Add(window)
}
