package models

import (
	"errors"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
)

type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

type AuditLogQuery struct {
	UserID     string
	Action     domain.AuditAction
	Resource   string
	ResourceID string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

func (q AuditLogQuery) Validate() error {
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return errors.New("from must be before to")
	}
	return nil
}

type AuditStatsRequest struct {
	From   *time.Time
	To     *time.Time
	Bucket domain.AuditBucket
}

func (r AuditStatsRequest) Validate() error {
	var errs []string

	switch r.Bucket {
	case "", domain.AuditBucketHour, domain.AuditBucketDay:
	default:
		errs = append(errs, "bucket must be HOUR or DAY")
	}
	if r.From != nil && r.To != nil && !r.From.Before(*r.To) {
		errs = append(errs, "from must be before to")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

type AuditExportRequest struct {
	Query  AuditLogQuery
	Format ExportFormat
}

func (r AuditExportRequest) Validate() error {
	var errs []string

	switch r.Format {
	case ExportFormatJSON, ExportFormatCSV:
	default:
		errs = append(errs, "format must be json or csv")
	}
	if err := r.Query.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

type AuditLogResponse struct {
	ID         string             `json:"id"`
	UserID     *string            `json:"userId"`
	Action     domain.AuditAction `json:"action"`
	Resource   string             `json:"resource"`
	ResourceID string             `json:"resourceId"`
	OldValues  map[string]any     `json:"oldValues,omitempty"`
	NewValues  map[string]any     `json:"newValues,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	IPAddress  string             `json:"ipAddress,omitempty"`
	UserAgent  string             `json:"userAgent,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}

func NewAuditLogResponse(entry domain.AuditLogEntry) AuditLogResponse {
	return AuditLogResponse{
		ID:         entry.ID,
		UserID:     entry.UserID,
		Action:     entry.Action,
		Resource:   entry.Resource,
		ResourceID: entry.ResourceID,
		OldValues:  entry.OldValues,
		NewValues:  entry.NewValues,
		Metadata:   entry.Metadata,
		IPAddress:  entry.IPAddress,
		UserAgent:  entry.UserAgent,
		CreatedAt:  entry.CreatedAt,
	}
}

type BucketCount struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

type AuditStatsResponse struct {
	Total      int                        `json:"total"`
	ByAction   map[domain.AuditAction]int `json:"byAction"`
	ByResource map[string]int             `json:"byResource"`
	ByUser     map[string]int             `json:"byUser"`
	Bucket     domain.AuditBucket         `json:"bucket"`
	Timeline   []BucketCount              `json:"timeline"`
	From       time.Time                  `json:"from"`
	To         time.Time                  `json:"to"`
}

type AuditExport struct {
	FileName    string
	ContentType string
	Data        []byte
	RecordCount int
}
