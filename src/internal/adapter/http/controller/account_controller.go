package controller

import (
	"net/http"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/usecase/service_interfaces"
)

type AccountController struct {
	service service_interfaces.AccountService
}

func NewAccountController(service service_interfaces.AccountService) *AccountController {
	return &AccountController{service: service}
}

func (c *AccountController) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("POST /accounts", protect(c.createAccount, authMiddleware))
	mux.Handle("GET /accounts/{id}", protect(c.getAccount, authMiddleware))
	mux.Handle("POST /accounts/{id}/freeze", protect(c.freeze, authMiddleware))
	mux.Handle("POST /accounts/{id}/unfreeze", protect(c.unfreeze, authMiddleware))
}

func (c *AccountController) createAccount(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.CreateAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		logRequest(r, nil)
		fail[models.AccountResponse](w, r, validationError(err), nil, start)
		return
	}
	logRequest(r, req)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.AccountResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.service.CreateAccount(r.Context(), req, actor)
	if err != nil {
		fail[models.AccountResponse](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusCreated, commons.SuccessResponse("account created", resp), start)
}

func (c *AccountController) getAccount(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.AccountResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.service.GetAccount(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		fail[models.AccountResponse](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("account retrieved", resp), start)
}

func (c *AccountController) freeze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.FreezeAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		logRequest(r, nil)
		fail[models.AccountResponse](w, r, validationError(err), nil, start)
		return
	}
	logRequest(r, req)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.AccountResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.service.FreezeAccount(r.Context(), r.PathValue("id"), req, actor)
	if err != nil {
		fail[models.AccountResponse](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("account frozen", resp), start)
}

func (c *AccountController) unfreeze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logRequest(r, nil)

	actor, err := actorOf(r)
	if err != nil {
		fail[models.AccountResponse](w, r, err, nil, start)
		return
	}

	resp, err := c.service.UnfreezeAccount(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		fail[models.AccountResponse](w, r, err, nil, start)
		return
	}
	respond(w, r, http.StatusOK, commons.SuccessResponse("account unfrozen", resp), start)
}
