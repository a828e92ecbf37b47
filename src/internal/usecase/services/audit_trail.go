package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
	"github.com/google/uuid"
)

const defaultStatsWindow = 24 * time.Hour

var csvHeader = []string{"id", "userId", "action", "resource", "resourceId", "oldValues", "newValues", "metadata", "ipAddress", "userAgent", "createdAt"}

type AuditTrail struct {
	repo          domain.AuditRepository
	exportMaxRows int
	now           func() time.Time
}

func NewAuditTrail(repo domain.AuditRepository, exportMaxRows int, now func() time.Time) *AuditTrail {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &AuditTrail{
		repo:          repo,
		exportMaxRows: exportMaxRows,
		now:           now,
	}
}

func newAuditEntry(actor domain.Actor, action domain.AuditAction, resource string, resourceID string, now time.Time) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:         uuid.NewString(),
		UserID:     actor.AuditUserID(),
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		CreatedAt:  now,
	}
}

// Record persists entry. For compliance-sensitive actions a write failure is
// returned so the caller can fail the operation; for everything else it is
// only logged.
func (a *AuditTrail) Record(ctx context.Context, entry domain.AuditLogEntry) error {
	if err := a.repo.InsertAuditEntry(ctx, entry); err != nil {
		if entry.Action.ComplianceSensitive() {
			return fmt.Errorf("record audit entry %s: %w", entry.Action, err)
		}
		logger.Error("audit trail best-effort record failed", err, logger.Fields{
			"action":     entry.Action,
			"resource":   entry.Resource,
			"resourceId": entry.ResourceID,
		})
	}
	return nil
}

// RecordWithin writes entry as part of the caller's unit of work.
func (a *AuditTrail) RecordWithin(ctx context.Context, w domain.AuditWriter, entry domain.AuditLogEntry) error {
	if err := w.InsertAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("record audit entry %s: %w", entry.Action, err)
	}
	return nil
}

func scopedFilter(q models.AuditLogQuery, actor domain.Actor) domain.AuditFilter {
	filter := domain.AuditFilter{
		UserID:     strings.TrimSpace(q.UserID),
		Action:     q.Action,
		Resource:   strings.TrimSpace(q.Resource),
		ResourceID: strings.TrimSpace(q.ResourceID),
		From:       q.From,
		To:         q.To,
	}
	if !actor.IsAdmin() {
		filter.UserID = actor.UserID
	}
	return filter
}

func (a *AuditTrail) Query(ctx context.Context, q models.AuditLogQuery, actor domain.Actor) (commons.Page[models.AuditLogResponse], error) {
	if err := q.Validate(); err != nil {
		return commons.Page[models.AuditLogResponse]{}, domain.NewError(domain.KindValidation, "%s", err.Error())
	}

	page, limit := commons.NormalizePage(q.Page, q.Limit)
	filter := scopedFilter(q, actor)
	filter.Page, filter.Limit = page, limit

	entries, total, err := a.repo.QueryAuditEntries(ctx, filter)
	if err != nil {
		logger.Error("audit trail query failed", err, logger.Fields{"userId": actor.UserID})
		return commons.Page[models.AuditLogResponse]{}, fmt.Errorf("query audit entries: %w", err)
	}

	items := make([]models.AuditLogResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, models.NewAuditLogResponse(entry))
	}
	return commons.Page[models.AuditLogResponse]{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// Stats aggregates entries in [from, to), defaulting to the last 24 hours.
func (a *AuditTrail) Stats(ctx context.Context, req models.AuditStatsRequest, actor domain.Actor) (models.AuditStatsResponse, error) {
	if !actor.IsAdmin() {
		return models.AuditStatsResponse{}, domain.NewError(domain.KindForbidden, "audit statistics require an admin")
	}
	if err := req.Validate(); err != nil {
		return models.AuditStatsResponse{}, domain.NewError(domain.KindValidation, "%s", err.Error())
	}

	to := a.now()
	if req.To != nil {
		to = *req.To
	}
	from := to.Add(-defaultStatsWindow)
	if req.From != nil {
		from = *req.From
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = domain.AuditBucketHour
	}

	entries, _, err := a.repo.QueryAuditEntries(ctx, domain.AuditFilter{From: &from, To: &to, Ascending: true})
	if err != nil {
		return models.AuditStatsResponse{}, fmt.Errorf("query audit entries: %w", err)
	}

	stats := aggregate(entries, bucket)
	stats.From, stats.To = from, to
	return statsResponse(stats), nil
}

func aggregate(entries []domain.AuditLogEntry, bucket domain.AuditBucket) domain.AuditStats {
	stats := domain.AuditStats{
		Total:      len(entries),
		ByAction:   make(map[domain.AuditAction]int),
		ByResource: make(map[string]int),
		ByUser:     make(map[string]int),
		ByBucket:   make(map[time.Time]int),
		Bucket:     bucket,
	}
	for _, entry := range entries {
		stats.ByAction[entry.Action]++
		stats.ByResource[entry.Resource]++
		user := "system"
		if entry.UserID != nil {
			user = *entry.UserID
		}
		stats.ByUser[user]++
		stats.ByBucket[bucketStart(entry.CreatedAt, bucket)]++
	}
	return stats
}

func bucketStart(t time.Time, bucket domain.AuditBucket) time.Time {
	t = t.UTC()
	if bucket == domain.AuditBucketDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

func statsResponse(stats domain.AuditStats) models.AuditStatsResponse {
	timeline := make([]models.BucketCount, 0, len(stats.ByBucket))
	for start, count := range stats.ByBucket {
		timeline = append(timeline, models.BucketCount{Start: start, Count: count})
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].Start.Before(timeline[j].Start) })

	return models.AuditStatsResponse{
		Total:      stats.Total,
		ByAction:   stats.ByAction,
		ByResource: stats.ByResource,
		ByUser:     stats.ByUser,
		Bucket:     stats.Bucket,
		Timeline:   timeline,
		From:       stats.From,
		To:         stats.To,
	}
}

// Trail returns every entry touching the resource, oldest first.
func (a *AuditTrail) Trail(ctx context.Context, resource string, resourceID string, actor domain.Actor) ([]models.AuditLogResponse, error) {
	resource = strings.TrimSpace(resource)
	resourceID = strings.TrimSpace(resourceID)
	if resource == "" || resourceID == "" {
		return nil, domain.NewError(domain.KindValidation, "resource and resourceId are required")
	}

	filter := scopedFilter(models.AuditLogQuery{Resource: resource, ResourceID: resourceID}, actor)
	filter.Ascending = true

	entries, _, err := a.repo.QueryAuditEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}

	out := make([]models.AuditLogResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, models.NewAuditLogResponse(entry))
	}
	return out, nil
}

// Export serialises the whole filtered set. It refuses rather than truncates
// when the set is larger than the configured cap.
func (a *AuditTrail) Export(ctx context.Context, req models.AuditExportRequest, actor domain.Actor) (models.AuditExport, error) {
	logger.Info("audit trail export request", logger.Fields{
		"userId": actor.UserID,
		"format": req.Format,
	})

	if err := req.Validate(); err != nil {
		return models.AuditExport{}, domain.NewError(domain.KindValidation, "%s", err.Error())
	}

	filter := scopedFilter(req.Query, actor)
	filter.Ascending = true

	count, err := a.repo.CountAuditEntries(ctx, filter)
	if err != nil {
		return models.AuditExport{}, fmt.Errorf("count audit entries: %w", err)
	}
	if a.exportMaxRows > 0 && count > a.exportMaxRows {
		return models.AuditExport{}, domain.NewError(domain.KindExportTooLarge, "export matches %d entries, the maximum is %d; narrow the filter", count, a.exportMaxRows)
	}

	entries, _, err := a.repo.QueryAuditEntries(ctx, filter)
	if err != nil {
		return models.AuditExport{}, fmt.Errorf("query audit entries: %w", err)
	}

	now := a.now()
	export := models.AuditExport{
		FileName:    fmt.Sprintf("audit-logs-%s.%s", now.Format("20060102T150405Z"), req.Format),
		RecordCount: len(entries),
	}
	switch req.Format {
	case models.ExportFormatCSV:
		export.ContentType = "text/csv"
		export.Data, err = encodeCSV(entries)
	default:
		export.ContentType = "application/json"
		export.Data, err = encodeJSON(entries)
	}
	if err != nil {
		return models.AuditExport{}, fmt.Errorf("encode audit export: %w", err)
	}

	entry := newAuditEntry(actor, domain.AuditActionAuditExported, domain.AuditResourceAuditLog, export.FileName, now)
	entry.Metadata = map[string]any{"format": string(req.Format), "recordCount": export.RecordCount}
	if err := a.Record(ctx, entry); err != nil {
		return models.AuditExport{}, err
	}
	return export, nil
}

func encodeJSON(entries []domain.AuditLogEntry) ([]byte, error) {
	items := make([]models.AuditLogResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, models.NewAuditLogResponse(entry))
	}
	return json.Marshal(items)
}

func encodeCSV(entries []domain.AuditLogEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		userID := ""
		if entry.UserID != nil {
			userID = *entry.UserID
		}
		record := []string{
			entry.ID,
			userID,
			string(entry.Action),
			entry.Resource,
			entry.ResourceID,
			jsonCell(entry.OldValues),
			jsonCell(entry.NewValues),
			jsonCell(entry.Metadata),
			entry.IPAddress,
			entry.UserAgent,
			entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func jsonCell(values map[string]any) string {
	if len(values) == 0 {
		return ""
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(raw)
}

// PurgeExpired removes entries created before cutoff. Only the retention job calls it.
func (a *AuditTrail) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := a.repo.DeleteAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	if removed > 0 {
		logger.Info("audit trail purged expired entries", logger.Fields{
			"removed": removed,
			"cutoff":  cutoff,
		})
	}
	return removed, nil
}
