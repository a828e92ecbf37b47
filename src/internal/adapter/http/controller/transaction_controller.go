package controller

import (
	"net/http"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/usecase/service_interfaces"
)

type TransactionController struct {
	transactions service_interfaces.TransactionService
	validation   service_interfaces.ValidationService
	reversals    service_interfaces.ReversalService
}

func NewTransactionController(
	transactions service_interfaces.TransactionService,
	validation service_interfaces.ValidationService,
	reversals service_interfaces.ReversalService,
) *TransactionController {
	return &TransactionController{
		transactions: transactions,
		validation:   validation,
		reversals:    reversals,
	}
}

func (c *TransactionController) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("POST /transactions", protect(c.create, authMiddleware))
	mux.Handle("POST /transactions/validate", protect(c.validate, authMiddleware))
	mux.Handle("GET /transactions", protect(c.list, authMiddleware))
	mux.Handle("GET /transactions/{id}", protect(c.get, authMiddleware))
	mux.Handle("POST /transactions/{id}/reverse", protect(c.reverse, authMiddleware))
	mux.Handle("POST /transactions/{id}/cancel", protect(c.cancel, authMiddleware))
	mux.Handle("POST /transactions/{id}/process", protect(c.process, authMiddleware))
}

func (c *TransactionController) create(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.CreateTransactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		logRequest(r, nil)
		fail[models.TransactionResponse](w, r, validationError(err), nil, start)
		return
	}
	logRequest(r, req)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.TransactionResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.transactions.CreateTransaction(r.Context(), req, actor)
	if err != nil {
		// A committed FAILED row is still returned so the caller can see it.
		var data *models.TransactionResponse
		if resp.ID != "" {
			data = &resp
		}
		fail(w, r, err, data, start)
		return
	}

	status := http.StatusCreated
	switch {
	case resp.Replayed:
		status = http.StatusOK
	case resp.Status == domain.TransactionStatusPending:
		status = http.StatusAccepted
	}
	respond(w, r, status, commons.SuccessResponse("transaction accepted", resp), start)
}

func (c *TransactionController) validate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.CreateTransactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		logRequest(r, nil)
		fail[models.TransactionValidationResponse](w, r, validationError(err), nil, start)
		return
	}
	logRequest(r, req)

	resp, err := c.validation.Validate(r.Context(), req)
	if err != nil {
		fail[models.TransactionValidationResponse](w, r, err, nil, start)
		return
	}

	message := "transaction is admissible"
	if !resp.IsValid {
		message = "transaction would be rejected"
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse(message, resp), start)
}

func (c *TransactionController) list(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	q := newQueryReader(r)
	req := models.ListTransactionsRequest{
		AccountID: q.str("accountId"),
		Status:    domain.TransactionStatus(q.str("status")),
		Type:      domain.TransactionType(q.str("type")),
		From:      q.timestamp("from"),
		To:        q.timestamp("to"),
		Page:      q.integer("page"),
		Limit:     q.integer("limit"),
	}
	if err := q.err(); err != nil {
		fail[commons.Page[models.TransactionResponse]](w, r, err, nil, start)
		return
	}

	actor, err := actorOf(r)
	if err != nil {
		fail[commons.Page[models.TransactionResponse]](w, r, err, nil, start)
		return
	}

	page, err := c.transactions.ListTransactions(r.Context(), req, actor)
	if err != nil {
		fail[commons.Page[models.TransactionResponse]](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("transactions retrieved", page), start)
}

func (c *TransactionController) get(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.TransactionResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.transactions.GetTransaction(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		fail[models.TransactionResponse](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("transaction retrieved", resp), start)
}

func (c *TransactionController) reverse(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.ReverseTransactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		logRequest(r, nil)
		fail[models.TransactionResponse](w, r, validationError(err), nil, start)
		return
	}
	logRequest(r, req)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.TransactionResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.reversals.ReverseTransaction(r.Context(), r.PathValue("id"), req, actor)
	if err != nil {
		var data *models.TransactionResponse
		if resp.ID != "" {
			data = &resp
		}
		fail(w, r, err, data, start)
		return
	}
	respond(w, r, http.StatusCreated, commons.SuccessResponse("transaction reversed", resp), start)
}

func (c *TransactionController) cancel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.CancelTransactionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			logRequest(r, nil)
			fail[models.TransactionResponse](w, r, validationError(err), nil, start)
			return
		}
	}
	logRequest(r, req)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.TransactionResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.transactions.CancelTransaction(r.Context(), r.PathValue("id"), req, actor)
	if err != nil {
		fail[models.TransactionResponse](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("transaction cancelled", resp), start)
}

func (c *TransactionController) process(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.TransactionResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.transactions.ProcessTransaction(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		var data *models.TransactionResponse
		if resp.ID != "" {
			data = &resp
		}
		fail(w, r, err, data, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("transaction processed", resp), start)
}
