package httpapi

import (
	"net/http"

	"bank-ledger/internal/admission"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Route groups for admission control. Each has its own window per client.
const (
	GroupAccountsList   = "accounts.list"
	GroupAccountsDetail = "accounts.detail"
	GroupTransfersList  = "transfers.list"
	GroupTransfersNew   = "transfers.create"
)

type RouterConfig struct {
	Limiter        *admission.Limiter
	AllowedOrigins []string
	MaxInflight    int
	Logger         *zap.Logger
	// TracerProvider overrides the global provider for server spans.
	TracerProvider trace.TracerProvider
}

func Router(h *Handlers, cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/accounts", admit(cfg.Limiter, GroupAccountsList, h.ListAccounts)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{iban}", admit(cfg.Limiter, GroupAccountsDetail, h.AccountDetail)).Methods(http.MethodGet)
	api.HandleFunc("/transfers", admit(cfg.Limiter, GroupTransfersList, h.ListTransfers)).Methods(http.MethodGet)
	api.HandleFunc("/transfers", admit(cfg.Limiter, GroupTransfersNew, h.CreateTransfer)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Backpressure at the edge.
	// Prevents unbounded goroutine/pool queueing when DB is saturated.
	var handler http.Handler = withConcurrencyLimit(r, cfg.MaxInflight)
	handler = withCORS(handler, cfg.AllowedOrigins)
	handler = withRecover(handler, log)
	handler = withAccessLog(handler, log)
	handler = withRequestID(handler, log)
	otelOpts := []otelhttp.Option{
		otelhttp.WithPropagators(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{})),
	}
	if cfg.TracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	return otelhttp.NewHandler(handler, "bank-ledger", otelOpts...)
}
