// Admin HTTP handlers.
//
// Endpoints (all under the API base path, bearer-token protected):
//   - GET  /settings/history              current history window
//   - PUT  /settings/history              change the history window
//   - GET  /status                        cache, persistence and rate-window state
//   - GET  /users/{id}/archives           archived transcripts (paginated, ETag)
//   - GET  /users/{id}/archives/{archive} one archive with its turns
//   - GET  /users/{id}/search?q=          rank archived turns against a query
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/persona-relay/internal/config"
	"github.com/tbourn/persona-relay/internal/domain"
	"github.com/tbourn/persona-relay/internal/http/middleware"
	"github.com/tbourn/persona-relay/internal/ratelimit"
	"github.com/tbourn/persona-relay/internal/repo"
	"github.com/tbourn/persona-relay/internal/search"
	"github.com/tbourn/persona-relay/internal/utils"
)

// ArchiveStore is the read side of the transcript archive.
type ArchiveStore interface {
	ListArchives(ctx context.Context, userID string, offset, limit int) ([]domain.TranscriptArchive, int64, error)
	GetArchive(ctx context.Context, userID, id string) (*domain.TranscriptArchive, error)
	ArchivesStats(ctx context.Context, userID string) (int64, *time.Time, error)
	ArchivesWithTurns(ctx context.Context, userID string, limit int) ([]domain.TranscriptArchive, error)
}

// StatusSource reports live process state.
type StatusSource interface {
	CachedSessions() int
	PendingSaves() int
	RateWindow() ratelimit.Stats
}

// Handlers groups the admin endpoints.
type Handlers struct {
	history  *config.History
	archives ArchiveStore
	status   StatusSource
}

// New returns Handlers bound to its dependencies. status may be nil.
func New(history *config.History, archives ArchiveStore, status StatusSource) *Handlers {
	return &Handlers{history: history, archives: archives, status: status}
}

// HistorySettings is the body of the history settings endpoints.
type HistorySettings struct {
	MessagesCount int `json:"history_messages_count" binding:"required"`
	Min           int `json:"min,omitempty"`
	Max           int `json:"max,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListArchivesResponse wraps a page of archives.
type ListArchivesResponse struct {
	Archives   []domain.TranscriptArchive `json:"archives"`
	Pagination Pagination                 `json:"pagination"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	CachedSessions int           `json:"cached_sessions"`
	PendingSaves   int           `json:"pending_saves"`
	HistoryCount   int           `json:"history_messages_count"`
	RateInWindow   int           `json:"rate_in_window"`
	RateMaxCalls   int           `json:"rate_max_calls"`
	RatePeriod     time.Duration `json:"rate_period_ns"`
	RateWaits      uint64        `json:"rate_waits"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func pageFrom(c *gin.Context) utils.Page {
	return utils.Page{
		Number: utils.ClampInt(c.Query("page"), 1, 1, math.MaxInt32),
		Size:   utils.ClampInt(c.Query("page_size"), defaultPageSize, 1, maxPageSize),
	}
}

// GetHistory godoc
// @Summary  Current history window
// @Tags     Settings
// @Produce  json
// @Success  200 {object} handlers.HistorySettings
// @Router   /settings/history [get]
func (h *Handlers) GetHistory(c *gin.Context) {
	ok(c, http.StatusOK, HistorySettings{
		MessagesCount: h.history.MessagesCount(),
		Min:           config.MinHistoryMessages,
		Max:           config.MaxHistoryMessages,
	})
}

// PutHistory godoc
// @Summary  Change the history window
// @Tags     Settings
// @Accept   json
// @Produce  json
// @Param    body body handlers.HistorySettings true "New window"
// @Success  200 {object} handlers.HistorySettings
// @Failure  400 {object} handlers.ErrorResponse
// @Router   /settings/history [put]
func (h *Handlers) PutHistory(c *gin.Context) {
	var req HistorySettings
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "history_messages_count required")
		return
	}
	if err := h.history.SetMessagesCount(req.MessagesCount); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeUpdateFailed, err.Error())
		return
	}
	middleware.LoggerFrom(c).Info().Int("history_messages_count", req.MessagesCount).Msg("history window changed")
	h.GetHistory(c)
}

// Status godoc
// @Summary  Live process state
// @Tags     Status
// @Produce  json
// @Success  200 {object} handlers.StatusResponse
// @Router   /status [get]
func (h *Handlers) Status(c *gin.Context) {
	resp := StatusResponse{HistoryCount: h.history.MessagesCount()}
	if h.status != nil {
		rw := h.status.RateWindow()
		resp.CachedSessions = h.status.CachedSessions()
		resp.PendingSaves = h.status.PendingSaves()
		resp.RateInWindow = rw.InWindow
		resp.RateMaxCalls = rw.MaxCalls
		resp.RatePeriod = rw.Period
		resp.RateWaits = rw.Waits
	}
	ok(c, http.StatusOK, resp)
}

// ListArchives godoc
// @Summary  List a user's archived transcripts (paginated)
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags     Archives
// @Produce  json
// @Param    id            path   string true  "Chat user id"
// @Param    If-None-Match header string false "Return 304 if ETag matches"
// @Param    page          query  int    false "Page number" minimum(1) default(1)
// @Param    page_size     query  int    false "Items per page" minimum(1) maximum(100) default(20)
// @Success  200 {object} handlers.ListArchivesResponse
// @Success  304 {string} string "Not Modified"
// @Failure  500 {object} handlers.ErrorResponse
// @Router   /users/{id}/archives [get]
func (h *Handlers) ListArchives(c *gin.Context) {
	ctx := c.Request.Context()
	uid := strings.TrimSpace(c.Param("id"))
	if uid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id required")
		return
	}
	page := pageFrom(c)

	// ETag pre-check (best effort).
	if count, last, err := h.archives.ArchivesStats(ctx, uid); err == nil {
		var ts int64
		if last != nil {
			ts = last.UnixNano()
		}
		etag := fmt.Sprintf(`W/"archives:%s:%d:%d:%d:%d"`, uid, count, ts, page.Number, page.Size)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.archives.ListArchives(ctx, uid, page.Offset(), page.Size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if items == nil {
		items = []domain.TranscriptArchive{}
	}
	totalPages, hasNext := page.Span(total)
	ok(c, http.StatusOK, ListArchivesResponse{
		Archives: items,
		Pagination: Pagination{
			Page:       page.Number,
			PageSize:   page.Size,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    hasNext,
		},
	})
}

// GetArchive godoc
// @Summary  One archived transcript with its turns
// @Tags     Archives
// @Produce  json
// @Param    id      path string true "Chat user id"
// @Param    archive path string true "Archive id (UUID)"
// @Success  200 {object} domain.TranscriptArchive
// @Failure  400 {object} handlers.ErrorResponse
// @Failure  404 {object} handlers.ErrorResponse
// @Router   /users/{id}/archives/{archive} [get]
func (h *Handlers) GetArchive(c *gin.Context) {
	id := c.Param("archive")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "archive id must be a UUID")
		return
	}
	a, err := h.archives.GetArchive(c.Request.Context(), c.Param("id"), id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "archive not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, a)
	}
}

// searchArchiveLimit bounds how many archives one search request reads.
const searchArchiveLimit = 50

// SearchHit is one archived turn matching a search.
type SearchHit struct {
	ArchiveID string      `json:"archive_id"`
	Persona   string      `json:"persona"`
	Turn      int         `json:"turn"`
	Role      domain.Role `json:"role"`
	Snippet   string      `json:"snippet"`
	Score     float64     `json:"score"`
}

// SearchResponse is the body of GET /users/{id}/search.
type SearchResponse struct {
	Query    string      `json:"query"`
	Searched int         `json:"archives_searched"`
	Hits     []SearchHit `json:"hits"`
}

type turnRef struct {
	archive *domain.TranscriptArchive
	turn    int
	role    domain.Role
}

// SearchArchives godoc
// @Summary  Rank a user's archived turns against a query
// @Tags     Archives
// @Produce  json
// @Param    id path  string true  "Chat user id"
// @Param    q  query string true  "Query text"
// @Param    k  query int    false "Max hits" minimum(1) maximum(50) default(10)
// @Success  200 {object} handlers.SearchResponse
// @Failure  400 {object} handlers.ErrorResponse
// @Router   /users/{id}/search [get]
func (h *Handlers) SearchArchives(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q required")
		return
	}
	k := utils.ClampInt(c.Query("k"), 10, 1, 50)

	archives, err := h.archives.ArchivesWithTurns(c.Request.Context(), c.Param("id"), searchArchiveLimit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	refs := make(map[string]turnRef)
	var docs []search.Doc
	for i := range archives {
		a := &archives[i]
		var turns []domain.Turn
		if err := json.Unmarshal(a.Turns, &turns); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Str("archive_id", a.ID).Msg("skipping undecodable archive")
			continue
		}
		for n, t := range turns {
			ref := fmt.Sprintf("%s#%04d", a.ID, n)
			refs[ref] = turnRef{archive: a, turn: n, role: t.Role}
			docs = append(docs, search.Doc{Ref: ref, Text: t.Content})
		}
	}

	resp := SearchResponse{Query: q, Searched: len(archives), Hits: []SearchHit{}}
	for _, hit := range search.New(docs).TopK(q, k) {
		r := refs[hit.Ref]
		resp.Hits = append(resp.Hits, SearchHit{
			ArchiveID: r.archive.ID,
			Persona:   r.archive.Persona,
			Turn:      r.turn,
			Role:      r.role,
			Snippet:   hit.Snippet,
			Score:     hit.Score,
		})
	}
	ok(c, http.StatusOK, resp)
}
