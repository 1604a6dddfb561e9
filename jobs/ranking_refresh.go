package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/glamstock/glamstock/internal/ranking"
)

// RankingRefresher runs one ranking rebuild.
type RankingRefresher interface {
	Run(ctx context.Context) error
}

// RankingRefreshJob executes queued and scheduled ranking refreshes.
type RankingRefreshJob struct {
	Refresher RankingRefresher
	Logger    *slog.Logger
}

// NewRankingRefreshJob constructs the job handler.
func NewRankingRefreshJob(refresher RankingRefresher, logger *slog.Logger) *RankingRefreshJob {
	return &RankingRefreshJob{Refresher: refresher, Logger: logger}
}

// Handle executes the ranking refresh job. A refresh already running in
// another process is returned as an error so Asynq retries it later.
func (j *RankingRefreshJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("ranking refresh: dependencies not configured")
	}
	var payload RankingRefreshPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("ranking refresh payload: %v: %w", err, asynq.SkipRetry)
	}
	err := j.Refresher.Run(ctx)
	switch {
	case err == nil:
		j.log().Info("ranking refresh done", slog.String("reason", payload.Reason))
		return nil
	case errors.Is(err, ranking.ErrBusy):
		j.log().Info("ranking refresh deferred", slog.String("reason", payload.Reason))
		return err
	default:
		j.log().Error("ranking refresh", slog.String("reason", payload.Reason), slog.Any("error", err))
		return err
	}
}

func (j *RankingRefreshJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
