// Package scan 扫描领域 - HTTP 处理
//
// 本文件实现扫描相关的 API 端点：
//   - 触发扫描（TriggerScan）
//   - 查询快照与列表（GetScan / ListScans）
//   - 回答待回答问题（AnswerPendingQuestion）
//   - 取消与管理删除（CancelScan / DeleteScan）
//   - 事件补发（GetEvents）
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"leadscan/internal/shared/bus"
	"leadscan/internal/shared/model"
	"leadscan/internal/shared/queue"
	"leadscan/internal/shared/storage"
	"leadscan/pkg/logging"
)

// ArtifactCleaner 管理删除时级联清理扫描衍生物
type ArtifactCleaner interface {
	DeleteScanArtifacts(ctx context.Context, scanID string) error
}

// Handler 扫描领域 HTTP 处理器
type Handler struct {
	store     storage.ScanStore
	queue     queue.ScanJobQueue
	bus       bus.ScanEventBus
	artifacts ArtifactCleaner // 可为 nil
	log       *logging.Logger
}

// NewHandler 创建扫描处理器
func NewHandler(store storage.ScanStore, jobQueue queue.ScanJobQueue, eventBus bus.ScanEventBus, artifacts ArtifactCleaner) *Handler {
	return &Handler{
		store:     store,
		queue:     jobQueue,
		bus:       eventBus,
		artifacts: artifacts,
		log:       logging.Default("apiserver.scan"),
	}
}

// RegisterRoutes 注册扫描相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/scans", h.TriggerScan)
	mux.HandleFunc("GET /api/v1/scans", h.ListScans)
	mux.HandleFunc("GET /api/v1/scans/{id}", h.GetScan)
	mux.HandleFunc("POST /api/v1/scans/{id}/answer", h.AnswerPendingQuestion)
	mux.HandleFunc("POST /api/v1/scans/{id}/cancel", h.CancelScan)
	mux.HandleFunc("DELETE /api/v1/scans/{id}", h.DeleteScan)
	mux.HandleFunc("GET /api/v1/scans/{id}/events", h.GetEvents)
}

// ============================================================================
// 请求结构体
// ============================================================================

type answerRequest struct {
	// QuestionID 问题标识，非空时校验是否回答的是当前问题
	QuestionID string `json:"question_id,omitempty"`
	Answer     string `json:"answer"`
}

// ============================================================================
// 扫描接口
// ============================================================================

// TriggerScan 触发一次扫描
// POST /api/v1/scans
func (h *Handler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	var profile model.SubjectProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if missing := profile.Validate(); missing != "" {
		writeError(w, http.StatusBadRequest, "missing required field: "+missing)
		return
	}

	now := time.Now().UTC()
	scan := &model.Scan{
		ID:              generateID("scan"),
		SubjectID:       profile.SubjectID,
		Profile:         &profile,
		Status:          model.ScanStatusPending,
		Progress:        0,
		CompletedAgents: []string{},
		FailedAgents:    []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.store.CreateScan(r.Context(), scan); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, "an active scan already exists for this subject")
			return
		}
		h.log.WithError(err).Error("scan create failed")
		writeError(w, http.StatusInternalServerError, "failed to create scan")
		return
	}

	// 入队是尽力而为：丢失的入队由 Worker 的兜底轮询补救
	if _, err := h.queue.EnqueueScan(r.Context(), scan.ID); err != nil {
		h.log.WithScanID(scan.ID).WithError(err).Warn("enqueue failed, fallback poll will recover")
	}

	h.log.ScanLog("triggered", scan.ID, "subject_id", profile.SubjectID)
	writeJSON(w, http.StatusCreated, scan)
}

// GetScan 获取扫描快照
// GET /api/v1/scans/{id}
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	scan, err := h.store.GetScan(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get scan")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// ListScans 按条件列出扫描
// GET /api/v1/scans?subject_id=&status=&limit=
func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	subjectID := r.URL.Query().Get("subject_id")
	status := model.ScanStatus(r.URL.Query().Get("status"))

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	scans, err := h.store.ListScans(r.Context(), subjectID, status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scans": scans,
		"count": len(scans),
	})
}

// AnswerPendingQuestion 回答扫描的待回答问题并恢复执行
// POST /api/v1/scans/{id}/answer
func (h *Handler) AnswerPendingQuestion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scan, err := h.store.GetScan(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get scan")
		return
	}

	if scan.Status != model.ScanStatusWaitingForUser && scan.Status != model.ScanStatusReview {
		writeError(w, http.StatusConflict, storage.ErrNotWaiting.Error())
		return
	}

	cp, err := h.store.LoadCheckpoint(r.Context(), id)
	if err != nil || cp == nil || cp.PendingQuestion == nil {
		// 状态说在等待但快照里没有问题，按未等待处理
		writeError(w, http.StatusConflict, storage.ErrNotWaiting.Error())
		return
	}
	if req.QuestionID != "" && req.QuestionID != cp.PendingQuestion.ID {
		writeError(w, http.StatusConflict, "question has expired")
		return
	}

	cp.RecordAnswer(cp.PendingQuestion.Phase, req.Answer)
	if err := h.store.SaveCheckpoint(r.Context(), id, cp); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save answer")
		return
	}

	if _, err := h.queue.EnqueueScan(r.Context(), id); err != nil {
		h.log.WithScanID(id).WithError(err).Warn("resume enqueue failed, fallback poll will recover")
	}

	h.log.ScanLog("answered", id, "phase", cp.Phase)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// CancelScan 取消扫描（从任意非终止状态）
// POST /api/v1/scans/{id}/cancel
func (h *Handler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.store.SetStatus(r.Context(), id, model.ScanStatusCancelled, nil)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "scan not found")
		case errors.Is(err, storage.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "scan is already terminal")
		default:
			writeError(w, http.StatusInternalServerError, "failed to cancel scan")
		}
		return
	}

	// 终止事件让推流端收尾关闭，订阅方不会停留在心跳上
	h.publishCancelled(r.Context(), id, "cancelled by user")

	h.log.ScanLog("cancelled", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// publishCancelled 发布取消终止事件（fire-and-forget）
func (h *Handler) publishCancelled(ctx context.Context, scanID, reason string) {
	event := &model.ScanEvent{
		ScanID:    scanID,
		Type:      model.EventScanCancelled,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"reason": reason},
	}
	if err := h.bus.PublishScanEvent(ctx, scanID, event); err != nil {
		h.log.WithScanID(scanID).WithError(err).Warn("event publish failed")
	}
}

// DeleteScan 管理删除：先取消再删除，并级联清理事件流与报告
// DELETE /api/v1/scans/{id}
func (h *Handler) DeleteScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	// 先置为取消，让仍在执行的 Worker 丢弃后续结果
	if err := h.store.SetStatus(ctx, id, model.ScanStatusCancelled, nil); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		if !errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, http.StatusInternalServerError, "failed to cancel scan")
			return
		}
	} else {
		// 事件流马上会被删除，但在线订阅方需要终止信号收尾
		h.publishCancelled(ctx, id, "scan deleted")
	}

	if err := h.store.DeleteScan(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete scan")
		return
	}

	if err := h.bus.DeleteScanEvents(ctx, id); err != nil {
		h.log.WithScanID(id).WithError(err).Warn("event stream cleanup failed")
	}
	if h.artifacts != nil {
		if err := h.artifacts.DeleteScanArtifacts(ctx, id); err != nil {
			h.log.WithScanID(id).WithError(err).Warn("artifact cleanup failed")
		}
	}

	h.log.ScanLog("deleted", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetEvents 事件补发：返回 from_id 之后的事件
// GET /api/v1/scans/{id}/events?from_id=&limit=
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := h.store.GetScan(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get scan")
		return
	}

	fromID := r.URL.Query().Get("from_id")
	limit := int64(200)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = int64(n)
		}
	}

	events, err := h.bus.GetScanEvents(r.Context(), id, fromID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
