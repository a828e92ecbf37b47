package controller

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/usecase/service_interfaces"
)

type AuditController struct {
	service service_interfaces.AuditService
}

func NewAuditController(service service_interfaces.AuditService) *AuditController {
	return &AuditController{service: service}
}

func (c *AuditController) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("GET /audit-logs", protect(c.query, authMiddleware))
	mux.Handle("GET /audit-logs/stats", protect(c.stats, authMiddleware))
	mux.Handle("GET /audit-logs/export", protect(c.export, authMiddleware))
	mux.Handle("GET /audit-logs/trail/{resource}/{id}", protect(c.trail, authMiddleware))
}

func readAuditQuery(q *queryReader) models.AuditLogQuery {
	return models.AuditLogQuery{
		UserID:     q.str("userId"),
		Action:     domain.AuditAction(strings.ToUpper(q.str("action"))),
		Resource:   q.str("resource"),
		ResourceID: q.str("resourceId"),
		From:       q.timestamp("from"),
		To:         q.timestamp("to"),
		Page:       q.integer("page"),
		Limit:      q.integer("limit"),
	}
}

func (c *AuditController) query(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	q := newQueryReader(r)
	query := readAuditQuery(q)
	if err := q.err(); err != nil {
		fail[commons.Page[models.AuditLogResponse]](w, r, err, nil, start)
		return
	}

	actor, err := actorOf(r)
	if err != nil {
		fail[commons.Page[models.AuditLogResponse]](w, r, err, nil, start)
		return
	}

	page, err := c.service.Query(r.Context(), query, actor)
	if err != nil {
		fail[commons.Page[models.AuditLogResponse]](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("audit entries retrieved", page), start)
}

func (c *AuditController) stats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	q := newQueryReader(r)
	req := models.AuditStatsRequest{
		From:   q.timestamp("from"),
		To:     q.timestamp("to"),
		Bucket: domain.AuditBucket(strings.ToUpper(q.str("bucket"))),
	}
	if err := q.err(); err != nil {
		fail[models.AuditStatsResponse](w, r, err, nil, start)
		return
	}

	actor, err := actorOf(r)
	if err != nil {
		fail[models.AuditStatsResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.service.Stats(r.Context(), req, actor)
	if err != nil {
		fail[models.AuditStatsResponse](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("audit statistics computed", resp), start)
}

func (c *AuditController) trail(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	actor, err := actorOf(r)
	if err != nil {
		fail[[]models.AuditLogResponse](w, r, err, nil, start)
		return
	}

	entries, err := c.service.Trail(r.Context(), r.PathValue("resource"), r.PathValue("id"), actor)
	if err != nil {
		fail[[]models.AuditLogResponse](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("audit trail retrieved", entries), start)
}

// export streams the file itself rather than the JSON envelope.
func (c *AuditController) export(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	q := newQueryReader(r)
	format := models.ExportFormat(strings.ToLower(q.str("format")))
	if format == "" {
		format = models.ExportFormatJSON
	}
	req := models.AuditExportRequest{Query: readAuditQuery(q), Format: format}
	if err := q.err(); err != nil {
		fail[models.AuditExport](w, r, err, nil, start)
		return
	}

	actor, err := actorOf(r)
	if err != nil {
		fail[models.AuditExport](w, r, err, nil, start)
		return
	}

	file, err := c.service.Export(r.Context(), req, actor)
	if err != nil {
		fail[models.AuditExport](w, r, err, nil, start)
		return
	}

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.Data)
	logResponse(r, http.StatusOK, map[string]any{"fileName": file.FileName, "records": file.RecordCount}, start)
}
