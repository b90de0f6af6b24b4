package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"bank-ledger/internal/admission"
	"bank-ledger/internal/domain"
	"bank-ledger/internal/ledger"
	"bank-ledger/internal/logging"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// TransferService is the write side used by the API.
type TransferService interface {
	CreateTransferIdempotent(ctx context.Context, key, fromIBAN, toIBAN, rawAmount string) (int64, bool, error)
}

// LedgerReader is the read side used by the API.
type LedgerReader interface {
	Ping(ctx context.Context) error
	Accounts(ctx context.Context) ([]domain.Account, error)
	AccountDetail(ctx context.Context, iban string) (domain.Account, []domain.Transfer, error)
	Transfers(ctx context.Context, page ledger.Page) ([]domain.Transfer, error)
}

type Handlers struct {
	transfers TransferService
	reader    LedgerReader
	validate  *validator.Validate
	log       *zap.Logger
}

func NewHandlers(transfers TransferService, reader LedgerReader, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	vld := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Handlers{
		transfers: transfers,
		reader:    reader,
		validate:  vld,
		log:       log,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, domain.ErrorResponse{Error: msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, admission.ErrRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusConflict

	// Business outcomes. A missing account on transfer creation is a 400 too.
	case errors.Is(err, ledger.ErrInvalidIdentifier),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, ledger.ErrInvalidPage),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrTransferRejected):
		return http.StatusBadRequest

	// Infrastructure
	case errors.Is(err, ledger.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don't leak internals on 5xx.
	switch {
	case code == http.StatusServiceUnavailable:
		return "store unavailable"
	case code == http.StatusGatewayTimeout:
		return "request timed out"
	case code >= 500:
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusForErr(err)
	if code >= 500 {
		logging.FromContext(r.Context(), h.log).Error("request failed",
			zap.Int("status", code),
			zap.Error(err))
	}
	writeErr(w, code, publicErrMessage(code, err))
}

// validationMessage turns the first validator failure into a caller-facing message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min", "max":
		return ledger.ErrInvalidPage.Error()
	}
	return fmt.Sprintf("%s failed %s check", fe.Field(), fe.Tag())
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.reader.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context(), h.log).Warn("health check failed", zap.Error(err))
		writeErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, domain.HealthResponse{Status: "ok"})
}

// GET /api/accounts
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.reader.Accounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// GET /api/accounts/{iban}
func (h *Handlers) AccountDetail(w http.ResponseWriter, r *http.Request) {
	iban := mux.Vars(r)["iban"]

	acc, transfers, err := h.reader.AccountDetail(r.Context(), iban)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeErr(w, http.StatusNotFound, "account not found")
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.AccountDetailResponse{Account: acc, Transfers: transfers})
}

type pageQuery struct {
	Limit  int `validate:"min=1,max=100"`
	Offset int `validate:"min=0"`
}

// GET /api/transfers?limit=&offset=
func (h *Handlers) ListTransfers(w http.ResponseWriter, r *http.Request) {
	q := pageQuery{Limit: ledger.DefaultPageLimit}
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			writeErr(w, http.StatusBadRequest, ledger.ErrInvalidPage.Error())
			return
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil {
			writeErr(w, http.StatusBadRequest, ledger.ErrInvalidPage.Error())
			return
		}
	}
	if err := h.validate.Struct(q); err != nil {
		writeErr(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	transfers, err := h.reader.Transfers(r.Context(), ledger.Page{Limit: q.Limit, Offset: q.Offset})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

// POST /api/transfers
func (h *Handlers) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req domain.CreateTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	id, replayed, err := h.transfers.CreateTransferIdempotent(r.Context(), key, req.FromIBAN, req.ToIBAN, req.Amount.String())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	code := http.StatusCreated
	if replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, domain.CreateTransferResponse{ID: id})
}
