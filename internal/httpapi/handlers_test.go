package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bank-ledger/internal/admission"
	"bank-ledger/internal/domain"
	"bank-ledger/internal/ledger"
	"bank-ledger/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

const (
	ibanA = "TR000000000000000000000001"
	ibanB = "TR000000000000000000000002"
)

func TestHTTPStatusForErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid iban", ledger.ErrInvalidIdentifier, http.StatusBadRequest},
		{"invalid amount", ledger.ErrInvalidAmount, http.StatusBadRequest},
		{"same account", ledger.ErrSameAccount, http.StatusBadRequest},
		{"page", ledger.ErrInvalidPage, http.StatusBadRequest},
		{"account not found", fmt.Errorf("sender %w", ledger.ErrAccountNotFound), http.StatusBadRequest},
		{"insufficient", ledger.ErrInsufficientFunds, http.StatusBadRequest},
		{"rejected", &ledger.RejectedError{Reason: "x"}, http.StatusBadRequest},
		{"idem", ledger.ErrIdempotencyConflict, http.StatusConflict},
		{"admission", admission.ErrRejected, http.StatusTooManyRequests},
		{"store timeout", fmt.Errorf("%w: lock", ledger.ErrTimeout), http.StatusGatewayTimeout},
		{"lock wait", fmt.Errorf("apply: %w", ledger.ErrLockTimeout), http.StatusGatewayTimeout},
		{"numeric overflow", &ledger.RejectedError{Reason: "numeric field overflow"}, http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unavailable", ledger.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"canceled", context.Canceled, http.StatusRequestTimeout},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := httpStatusForErr(tc.err)
			if got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
		})
	}
}

func TestPublicErrMessage_HidesInternals(t *testing.T) {
	secret := errors.New("dial tcp 10.1.2.3:5432: connection refused")
	assert.Equal(t, "internal error", publicErrMessage(http.StatusInternalServerError, secret))
	assert.Equal(t, "store unavailable", publicErrMessage(http.StatusServiceUnavailable, secret))
	assert.Equal(t, "request timed out", publicErrMessage(http.StatusGatewayTimeout, secret))
	assert.Equal(t, "insufficient funds", publicErrMessage(http.StatusBadRequest, ledger.ErrInsufficientFunds))
}

type testServer struct {
	handler http.Handler
	store   *memstore.Store
}

func newTestServer(t *testing.T, limit int) *testServer {
	t.Helper()
	st := memstore.New()
	require.NoError(t, st.AddAccount("Ayşe Yılmaz", ibanA, decimal.NewFromInt(100)))
	require.NoError(t, st.AddAccount("Mehmet Demir", ibanB, decimal.NewFromInt(50)))

	log := zaptest.NewLogger(t)
	eng := ledger.NewEngine(st, ledger.WithLogger(log))
	q := ledger.NewQueries(st, time.Second)
	h := NewHandlers(eng, q, log)

	return &testServer{
		store: st,
		handler: Router(h, RouterConfig{
			Limiter:        admission.NewLimiter(admission.NewMemoryCounter(), limit, time.Minute, log),
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxInflight:    8,
			Logger:         log,
		}),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e.Error
}

func transferBody(from, to, amount string) string {
	return fmt.Sprintf(`{"fromIban":%q,"toIban":%q,"amount":%s}`, from, to, amount)
}

func TestCreateTransfer_EndToEnd(t *testing.T) {
	s := newTestServer(t, 60)

	rec := s.do(t, http.MethodPost, "/api/transfers", transferBody(ibanA, ibanB, `"30"`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created domain.CreateTransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Positive(t, created.ID)

	rec = s.do(t, http.MethodGet, "/api/accounts/"+ibanA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail domain.AccountDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "70.00", detail.Account.Balance.StringFixed(2))
	require.Len(t, detail.Transfers, 1)
	assert.Equal(t, created.ID, detail.Transfers[0].ID)
	assert.Equal(t, "Mehmet Demir", detail.Transfers[0].ToFullName)
	assert.Contains(t, rec.Body.String(), `"balance":"70.00"`)
	assert.Contains(t, rec.Body.String(), `"amount":"30.00"`)

	rec = s.do(t, http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []domain.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	require.Len(t, accounts, 2)
	assert.Equal(t, ibanA, accounts[0].IBAN)
	assert.Equal(t, "80.00", accounts[1].Balance.StringFixed(2))
}

func TestCreateTransfer_NumericAmountAndRounding(t *testing.T) {
	s := newTestServer(t, 60)

	rec := s.do(t, http.MethodPost, "/api/transfers", transferBody(ibanA, ibanB, `10.005`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	acc, err := s.store.GetAccount(context.Background(), ibanB)
	require.NoError(t, err)
	assert.Equal(t, "60.01", acc.Balance.StringFixed(2))
}

func TestCreateTransfer_BadRequests(t *testing.T) {
	s := newTestServer(t, 1000)

	cases := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"invalid json", `{"fromIban":`, "invalid json"},
		{"missing sender", `{"toIban":"` + ibanB + `","amount":"1"}`, "fromIban is required"},
		{"missing amount", `{"fromIban":"` + ibanA + `","toIban":"` + ibanB + `"}`, "amount is required"},
		{"malformed iban", transferBody("TR123", ibanB, `"10.00"`), ledger.ErrInvalidIdentifier.Error()},
		{"same account", transferBody(ibanA, ibanA, `"10.00"`), ledger.ErrSameAccount.Error()},
		{"zero", transferBody(ibanA, ibanB, `"0"`), ledger.ErrInvalidAmount.Error()},
		{"negative", transferBody(ibanA, ibanB, `-5`), ledger.ErrInvalidAmount.Error()},
		{"huge exponent", transferBody(ibanA, ibanB, `1e999999999`), ledger.ErrInvalidAmount.Error()},
		{"huge exponent string", transferBody(ibanA, ibanB, `"1e9999999"`), ledger.ErrInvalidAmount.Error()},
		{"tiny exponent", transferBody(ibanA, ibanB, `1e-999999999`), ledger.ErrInvalidAmount.Error()},
		{"beyond column width", transferBody(ibanA, ibanB, `"10000000000000000"`), ledger.ErrInvalidAmount.Error()},
		{"insufficient", transferBody(ibanA, ibanB, `"100.01"`), ledger.ErrInsufficientFunds.Error()},
		{"unknown receiver", transferBody(ibanA, "TR999999999999999999999999", `"1"`), "receiver account not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/transfers", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.wantMsg, errorBody(t, rec))
		})
	}

	acc, err := s.store.GetAccount(context.Background(), ibanA)
	require.NoError(t, err)
	assert.Equal(t, "100.00", acc.Balance.StringFixed(2))
}

func TestCreateTransfer_IgnoresUnknownFields(t *testing.T) {
	s := newTestServer(t, 60)

	body := `{"fromIban":"` + ibanA + `","toIban":"` + ibanB + `","amount":"1","memo":"rent"}`
	rec := s.do(t, http.MethodPost, "/api/transfers", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	acc, err := s.store.GetAccount(context.Background(), ibanA)
	require.NoError(t, err)
	assert.Equal(t, "99.00", acc.Balance.StringFixed(2))
}

func TestCreateTransfer_Idempotency(t *testing.T) {
	s := newTestServer(t, 60)
	body := transferBody(ibanA, ibanB, `"5"`)

	first := s.do(t, http.MethodPost, "/api/transfers", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)

	replay := s.do(t, http.MethodPost, "/api/transfers", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, replay.Code)
	assert.JSONEq(t, first.Body.String(), replay.Body.String())

	conflict := s.do(t, http.MethodPost, "/api/transfers", transferBody(ibanA, ibanB, `"6"`), "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, conflict.Code)

	acc, err := s.store.GetAccount(context.Background(), ibanA)
	require.NoError(t, err)
	assert.Equal(t, "95.00", acc.Balance.StringFixed(2))
}

func TestAccountDetail_NotFound(t *testing.T) {
	s := newTestServer(t, 60)
	rec := s.do(t, http.MethodGet, "/api/accounts/TR999999999999999999999999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "account not found", errorBody(t, rec))
}

func TestListTransfers_Pagination(t *testing.T) {
	s := newTestServer(t, 1000)
	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/api/transfers", transferBody(ibanA, ibanB, `"1"`))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/transfers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []domain.Transfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 3)
	assert.Greater(t, all[0].ID, all[2].ID)

	rec = s.do(t, http.MethodGet, "/api/transfers?limit=2&offset=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tail []domain.Transfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tail))
	require.Len(t, tail, 1)
	assert.Equal(t, all[2].ID, tail[0].ID)

	rec = s.do(t, http.MethodGet, "/api/transfers?offset=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, q := range []string{"limit=0", "limit=101", "offset=-1", "limit=abc"} {
		rec = s.do(t, http.MethodGet, "/api/transfers?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, ledger.ErrInvalidPage.Error(), errorBody(t, rec), q)
	}
}

func TestAdmission_RejectsPerGroup(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodGet, "/api/accounts", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(t, http.MethodGet, "/api/accounts", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "too many requests", errorBody(t, rec))

	// Other groups and the health endpoint are unaffected.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/transfers", "").Code)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/health", "").Code)
	}
}

func TestAdmission_RejectedTransferDoesNotMutate(t *testing.T) {
	s := newTestServer(t, 1)

	rec := s.do(t, http.MethodPost, "/api/transfers", transferBody(ibanA, ibanB, `"1"`))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/transfers", transferBody(ibanA, ibanB, `"1"`))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	acc, err := s.store.GetAccount(context.Background(), ibanA)
	require.NoError(t, err)
	assert.Equal(t, "99.00", acc.Balance.StringFixed(2))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 60)
	rec := s.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

type downReader struct{}

func (downReader) Ping(context.Context) error { return ledger.ErrStoreUnavailable }
func (downReader) Accounts(context.Context) ([]domain.Account, error) {
	return nil, errors.New("pq: password authentication failed for user bank")
}
func (downReader) AccountDetail(context.Context, string) (domain.Account, []domain.Transfer, error) {
	return domain.Account{}, nil, ledger.ErrStoreUnavailable
}
func (downReader) Transfers(context.Context, ledger.Page) ([]domain.Transfer, error) {
	return nil, fmt.Errorf("%w: canceling statement due to statement timeout", ledger.ErrTimeout)
}

func TestInfrastructureFailures(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := NewHandlers(nil, downReader{}, log)
	srv := &testServer{handler: Router(h, RouterConfig{Logger: log})}

	rec := srv.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", errorBody(t, rec))

	rec = srv.do(t, http.MethodGet, "/api/accounts", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", errorBody(t, rec))

	rec = srv.do(t, http.MethodGet, "/api/accounts/"+ibanA, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/transfers", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.NotContains(t, rec.Body.String(), "statement")
}

func TestRouting_UniformErrors(t *testing.T) {
	s := newTestServer(t, 60)

	rec := s.do(t, http.MethodPut, "/api/transfers", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "method not allowed", errorBody(t, rec))

	rec = s.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", errorBody(t, rec))
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t, 60)

	rec := s.do(t, http.MethodGet, "/api/health", "", "X-Request-Id", "req-123")
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))

	rec = s.do(t, http.MethodGet, "/api/health", "")
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, 60)

	rec := s.do(t, http.MethodOptions, "/api/transfers", "",
		"Origin", "http://localhost:3000",
		"Access-Control-Request-Method", "POST",
		"Access-Control-Request-Headers", "content-type")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))

	rec = s.do(t, http.MethodGet, "/api/accounts", "", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(t, http.MethodGet, "/api/accounts", "", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestConcurrencyLimit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	})
	h := withConcurrencyLimit(slow, 1)

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		done <- rec.Code
	}()
	<-entered

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"server busy"}`, rec.Body.String())

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestRecover(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:53122"
	assert.Equal(t, "10.0.0.7", clientKey(r))
	r.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", clientKey(r))
	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientKey(r))
}

func TestRouter_RecordsServerSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	st := memstore.New()
	log := zaptest.NewLogger(t)
	h := NewHandlers(ledger.NewEngine(st), ledger.NewQueries(st, time.Second), log)
	handler := Router(h, RouterConfig{MaxInflight: 4, Logger: log, TracerProvider: tp})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "bank-ledger", ended[0].Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", ended[0].SpanContext().TraceID().String())
}
