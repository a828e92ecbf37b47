package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/middleware"
	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// StatusFor maps an error kind onto the HTTP status the API answers with.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindSameAccount, domain.KindInvalidTransactionType:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindAccountNotFound, domain.KindTransactionNotFound:
		return http.StatusNotFound
	case domain.KindCannotReverse, domain.KindDuplicateRequest, domain.KindInvalidStateTransition:
		return http.StatusConflict
	case domain.KindAccountFrozen, domain.KindCurrencyMismatch, domain.KindInsufficientFunds,
		domain.KindLimitExceeded, domain.KindExportTooLarge:
		return http.StatusUnprocessableEntity
	case domain.KindConcurrentModification:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse hides storage internals from the caller.
func errorResponse[T any](err error, data *T) (int, commons.Response[T]) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)

	message := domain.MessageOf(err)
	if status >= http.StatusInternalServerError {
		message = "the ledger could not complete the request, retry later"
	}

	resp := commons.CodedErrorResponse[T](string(kind), message)
	resp.Data = data
	return status, resp
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	// Amounts are bounded before the payload is logged.
	if scaled, ok := dst.(amountScaled); ok {
		if err := scaled.CheckAmountScale(); err != nil {
			return fmt.Errorf("invalid request body: %w", err)
		}
	}
	return nil
}

type amountScaled interface {
	CheckAmountScale() error
}

func actorOf(r *http.Request) (domain.Actor, error) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		return domain.Actor{}, domain.NewError(domain.KindForbidden, "no acting user on the request")
	}
	return actor, nil
}

type queryReader struct {
	values map[string][]string
	errs   []string
}

func newQueryReader(r *http.Request) *queryReader {
	return &queryReader{values: r.URL.Query()}
}

func (q *queryReader) str(key string) string {
	if v, ok := q.values[key]; ok && len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func (q *queryReader) integer(key string) int {
	raw := q.str(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		q.errs = append(q.errs, key+" must be an integer")
		return 0
	}
	return n
}

func (q *queryReader) timestamp(key string) *time.Time {
	raw := q.str(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		q.errs = append(q.errs, key+" must be an RFC3339 timestamp")
		return nil
	}
	t = t.UTC()
	return &t
}

func (q *queryReader) err() error {
	if len(q.errs) == 0 {
		return nil
	}
	return domain.NewError(domain.KindValidation, "%s", strings.Join(q.errs, "; "))
}

func validationError(err error) error {
	var le *domain.LedgerError
	if errors.As(err, &le) {
		return err
	}
	return domain.NewError(domain.KindValidation, "%s", err.Error())
}

func respond(w http.ResponseWriter, r *http.Request, status int, payload any, start time.Time) {
	writeJSON(w, status, payload)
	logResponse(r, status, payload, start)
}

func fail[T any](w http.ResponseWriter, r *http.Request, err error, data *T, start time.Time) {
	status, resp := errorResponse(err, data)
	if status >= http.StatusInternalServerError {
		logError(r, err, nil)
	}
	respond(w, r, status, resp, start)
}

func protect(h http.HandlerFunc, mw func(http.Handler) http.Handler) http.Handler {
	if mw == nil {
		return h
	}
	return mw(h)
}
