package service_interfaces

import (
	"context"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
)

type AuditService interface {
	Query(ctx context.Context, q models.AuditLogQuery, actor domain.Actor) (commons.Page[models.AuditLogResponse], error)
	Stats(ctx context.Context, req models.AuditStatsRequest, actor domain.Actor) (models.AuditStatsResponse, error)
	Trail(ctx context.Context, resource string, resourceID string, actor domain.Actor) ([]models.AuditLogResponse, error)
	Export(ctx context.Context, req models.AuditExportRequest, actor domain.Actor) (models.AuditExport, error)
}
