package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	historyTimeout      = 3 * time.Second
)

// HistoryHandler exposes the persisted job status history.
type HistoryHandler struct {
	repo    store.StatusRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger. A nil repo makes every
// endpoint answer 503.
func NewHistoryHandler(repo store.StatusRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListStatuses handles GET /v1/jobs/history?status=&limit=&offset=. It
// returns {"runs": [...]} newest first, 400 for invalid filters, 503 when
// the repository is unavailable and 500 if the repository call fails.
func (h *HistoryHandler) ListStatuses(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "status history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *crawler.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	recs, err := h.repo.ListStatuses(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list job statuses failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list job statuses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(recs)})
}

// GetStatus answers with the latest persisted run of root, or 404 when the
// history has none.
func (h *HistoryHandler) GetStatus(w http.ResponseWriter, r *http.Request, root string) {
	if h.repo == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.GetStatus(ctx, root)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job status failed", zap.String("job", root), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(rec)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (crawler.JobStatus, error) {
	switch strings.ToLower(input) {
	case "starting":
		return crawler.StatusStarting, nil
	case "running":
		return crawler.StatusRunning, nil
	case "failed":
		return crawler.StatusFailed, nil
	case "finished":
		return crawler.StatusFinished, nil
	case "stopped":
		return crawler.StatusStopped, nil
	default:
		return "", errors.New("invalid status")
	}
}

type runDTO struct {
	Root        string                `json:"root"`
	FetchImages bool                  `json:"fetch_images"`
	Node        string                `json:"node"`
	Status      string                `json:"status"`
	Stats       crawler.CrawlJobStats `json:"stats"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func toRunDTOs(in []store.JobRecord) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, toRunDTO(rec))
	}
	return out
}

func toRunDTO(rec store.JobRecord) runDTO {
	return runDTO{
		Root:        rec.Job.Root,
		FetchImages: rec.Job.FetchImages,
		Node:        rec.Node,
		Status:      string(rec.Status),
		Stats:       rec.Stats,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}
