package service_interfaces

import (
	"context"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
)

type TransactionService interface {
	CreateTransaction(ctx context.Context, req models.CreateTransactionRequest, actor domain.Actor) (models.TransactionResponse, error)
	ProcessTransaction(ctx context.Context, id string, actor domain.Actor) (models.TransactionResponse, error)
	CancelTransaction(ctx context.Context, id string, req models.CancelTransactionRequest, actor domain.Actor) (models.TransactionResponse, error)
	GetTransaction(ctx context.Context, id string, actor domain.Actor) (models.TransactionResponse, error)
	ListTransactions(ctx context.Context, req models.ListTransactionsRequest, actor domain.Actor) (commons.Page[models.TransactionResponse], error)
}

type ValidationService interface {
	Validate(ctx context.Context, req models.CreateTransactionRequest) (models.TransactionValidationResponse, error)
}

type ReversalService interface {
	ReverseTransaction(ctx context.Context, id string, req models.ReverseTransactionRequest, actor domain.Actor) (models.TransactionResponse, error)
}
