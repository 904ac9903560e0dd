package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postsync/internal/middleware"
	"github.com/hitoshi/postsync/internal/model"
)

// ComplianceServiceInterface はコンプライアンスハンドラーが必要とするサービスインターフェース。
type ComplianceServiceInterface interface {
	Submit(ctx context.Context, jobType model.ComplianceJobType, ids []string) (*model.ComplianceJob, error)
	Get(ctx context.Context, jobID string) (*model.ComplianceJob, error)
	PollResults(ctx context.Context, jobID string) (*model.ComplianceJob, error)
}

// ComplianceHandler はコンプライアンスジョブのHTTPハンドラー。
type ComplianceHandler struct {
	service ComplianceServiceInterface
	logger  *slog.Logger
}

// NewComplianceHandler はComplianceHandlerを生成する。
func NewComplianceHandler(service ComplianceServiceInterface, logger *slog.Logger) *ComplianceHandler {
	return &ComplianceHandler{
		service: service,
		logger:  logger,
	}
}

// submitJobRequest はジョブ投入リクエストのボディ。
type submitJobRequest struct {
	Type model.ComplianceJobType `json:"type"`
	IDs  []string                `json:"ids"`
}

// SubmitJob はコンプライアンスジョブを投入する。
// POST /api/compliance/jobs
func (h *ComplianceHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	job, err := h.service.Submit(r.Context(), req.Type, req.IDs)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// GetJob はジョブを取得する。
// GET /api/compliance/jobs/{id}
func (h *ComplianceHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// PollJob はジョブの状態を確認し、完了していれば結果を反映する。
// POST /api/compliance/jobs/{id}/poll
func (h *ComplianceHandler) PollJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.PollResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
