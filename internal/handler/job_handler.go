package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/livecatch/internal/download"
	"github.com/hitoshi/livecatch/internal/job"
	"github.com/hitoshi/livecatch/internal/middleware"
	"github.com/hitoshi/livecatch/internal/model"
)

// JobService はジョブハンドラーが必要とするジョブ管理のインターフェース。
type JobService interface {
	TryCreate(ctx context.Context, broadcasterID, userID string, quality model.Quality) (*model.Job, error)
	Get(jobID string) (*model.Job, error)
}

// DownloadService はジョブハンドラーが必要とするダウンロード開始のインターフェース。
type DownloadService interface {
	Resolve(ctx context.Context, broadcasterID string) (*model.ChannelProfile, *model.StreamInfo, error)
	Start(ctx context.Context, job *model.Job) error
}

// JobHandler は手動ダウンロード依頼とジョブ状態照会のHTTPハンドラー。
type JobHandler struct {
	jobs           JobService
	downloads      DownloadService
	defaultQuality model.Quality
	logger         *slog.Logger
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(jobs JobService, downloads DownloadService, defaultQuality model.Quality, logger *slog.Logger) *JobHandler {
	if defaultQuality == "" {
		defaultQuality = model.QualitySource
	}
	return &JobHandler{
		jobs:           jobs,
		downloads:      downloads,
		defaultQuality: defaultQuality,
		logger:         logger,
	}
}

// downloadResponse はダウンロード依頼受理時のレスポンス。
type downloadResponse struct {
	JobID         string `json:"job_id"`
	BroadcasterID string `json:"broadcaster_id"`
	Quality       string `json:"quality"`
	Status        string `json:"status"`
}

// jobResponse はジョブ状態照会のレスポンス。
type jobResponse struct {
	JobID         string     `json:"job_id"`
	BroadcasterID string     `json:"broadcaster_id"`
	UserID        string     `json:"user_id"`
	Quality       string     `json:"quality"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// StartDownload はブロードキャスターの配信キャプチャを手動で開始する。
// 存在しないチャンネルは404、オフラインの配信と実行中ジョブの重複は409を返す。
// POST /api/downloads/{broadcasterID}?quality=
func (h *JobHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	broadcasterID := strings.TrimSpace(chi.URLParam(r, "broadcasterID"))
	if broadcasterID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ブロードキャスターIDが空です"))
		return
	}

	raw := r.URL.Query().Get("quality")
	quality := model.QualityOrDefault(raw, h.defaultQuality)
	if _, ok := model.ParseQuality(raw); raw != "" && !ok {
		h.logger.Warn("unknown quality selector, using default",
			slog.String("selector", raw),
			slog.String("quality", string(quality)),
		)
	}

	if _, _, err := h.downloads.Resolve(r.Context(), broadcasterID); err != nil {
		switch {
		case errors.Is(err, download.ErrChannelNotFound):
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewChannelNotFoundError(broadcasterID))
		case errors.Is(err, download.ErrStreamOffline):
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewStreamOfflineError(broadcasterID))
		default:
			handleServiceError(w, h.logger, err)
		}
		return
	}

	created, err := h.jobs.TryCreate(r.Context(), broadcasterID, userID, quality)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	// キャプチャはリクエストの寿命と切り離して実行する
	if err := h.downloads.Start(context.WithoutCancel(r.Context()), created); err != nil {
		h.logger.Warn("manual download failed to start",
			slog.String("job_id", created.ID),
			slog.String("broadcaster_id", broadcasterID),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("manual download accepted",
		slog.String("job_id", created.ID),
		slog.String("broadcaster_id", broadcasterID),
		slog.String("user_id", userID),
		slog.String("quality", string(quality)),
	)

	writeJSON(w, http.StatusAccepted, downloadResponse{
		JobID:         created.ID,
		BroadcasterID: broadcasterID,
		Quality:       string(quality),
		Status:        string(model.JobStateRunning),
	})
}

// GetJob はジョブの状態を返す。
// GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	j, err := h.jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(jobID))
			return
		}
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(j))
}

func toJobResponse(j *model.Job) jobResponse {
	resp := jobResponse{
		JobID:         j.ID,
		BroadcasterID: j.BroadcasterID,
		UserID:        j.UserID,
		Quality:       string(j.Quality),
		Status:        string(j.State),
		Error:         j.Error,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if !j.FinishedAt.IsZero() {
		finished := j.FinishedAt
		resp.FinishedAt = &finished
	}
	return resp
}
