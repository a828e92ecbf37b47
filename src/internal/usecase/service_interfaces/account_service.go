package service_interfaces

import (
	"context"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/domain"
)

type AccountService interface {
	CreateAccount(ctx context.Context, req models.CreateAccountRequest, actor domain.Actor) (models.AccountResponse, error)
	GetAccount(ctx context.Context, id string, actor domain.Actor) (models.AccountResponse, error)
	FreezeAccount(ctx context.Context, id string, req models.FreezeAccountRequest, actor domain.Actor) (models.AccountResponse, error)
	UnfreezeAccount(ctx context.Context, id string, actor domain.Actor) (models.AccountResponse, error)
}
