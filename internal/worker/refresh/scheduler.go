// Package refresh はアクセストークンのバックグラウンド更新処理を提供する。
// 有効期限が迫ったセッションをプロバイダーに更新させ、
// 結果のTOKEN_REFRESHEDイベントはプロバイダーの購読者へ通知される。
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/gigwrld/internal/model"
)

// Refresher はセッションの期限切れ前更新を行うインターフェース。
type Refresher interface {
	// RefreshIfExpiring はセッションの有効期限がmargin以内なら更新する。
	// 更新を行った場合は第2戻り値がtrueになる。
	RefreshIfExpiring(ctx context.Context, margin time.Duration) (*model.Session, bool, error)
}

// Recorder はトークン更新の結果を記録する。
type Recorder interface {
	RecordTokenRefresh(err error)
}

// Scheduler は一定間隔でトークン更新を試みる。
type Scheduler struct {
	refresher Refresher
	recorder  Recorder
	logger    *slog.Logger
	margin    time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// marginが0以下の場合はデフォルト値5分を使用する。recorderはnilでもよい。
func NewScheduler(refresher Refresher, recorder Recorder, logger *slog.Logger, margin time.Duration) *Scheduler {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Scheduler{
		refresher: refresher,
		recorder:  recorder,
		logger:    logger,
		margin:    margin,
	}
}

// Start はintervalごとのティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("トークン更新スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("margin", s.margin),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("トークン更新に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("トークン更新スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("トークン更新に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回だけ更新を試みる。更新不要な場合は何もしない。
// 失敗時のリトライは行わず、次のティックに任せる。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	sess, refreshed, err := s.refresher.RefreshIfExpiring(ctx, s.margin)
	if err != nil {
		s.record(err)
		return err
	}
	if !refreshed {
		s.logger.Debug("更新対象のセッションはありません")
		return nil
	}
	s.record(nil)

	s.logger.Info("アクセストークンを更新しました",
		slog.String("user_id", sess.UserID()),
		slog.Time("expires_at", sess.Expiry()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (s *Scheduler) record(err error) {
	if s.recorder != nil {
		s.recorder.RecordTokenRefresh(err)
	}
}
