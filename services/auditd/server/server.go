package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nusd/crypto"
	"nusd/gateway/middleware"
	"nusd/services/auditd/export"
	"nusd/services/auditd/ingest"
	"nusd/services/auditd/store"
)

const defaultExportWindow = 24 * time.Hour

// Config captures the dependencies required to construct the server.
type Config struct {
	Store    *store.Store
	Exporter *export.Exporter
	Auth     *middleware.Authenticator
	Limiter  *middleware.RateLimiter
	Obs      *middleware.Observability
	Logger   *slog.Logger
}

// Server serves the audit query API.
type Server struct {
	store    *store.Store
	exporter *export.Exporter
	logger   *slog.Logger
	router   http.Handler
}

// New constructs a configured router with authentication, rate limiting and
// observability applied to the query surface.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{store: cfg.Store, exporter: cfg.Exporter, logger: logger}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{}))

	r.Get("/healthz", s.handleHealthz)
	if cfg.Obs != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Obs.MetricsHandler())
	}

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			if cfg.Obs != nil {
				read.Use(cfg.Obs.Middleware("query"))
			}
			if cfg.Limiter != nil {
				read.Use(cfg.Limiter.Middleware("query"))
			}
			if cfg.Auth != nil {
				read.Use(cfg.Auth.Middleware(middleware.ScopeAuditRead))
			}
			read.Get("/summary", s.handleSummary)
			read.Get("/accounts/{account}/deposits", s.handleDeposits)
			read.Get("/accounts/{account}/redemptions", s.handleRedemptions)
			read.Get("/accounts/{account}/debt", s.handleDebtChanges)
			read.Get("/accounts/{account}/liquidations", s.handleLiquidations)
		})
		api.Group(func(exports chi.Router) {
			if cfg.Obs != nil {
				exports.Use(cfg.Obs.Middleware("export"))
			}
			if cfg.Limiter != nil {
				exports.Use(cfg.Limiter.Middleware("export"))
			}
			if cfg.Auth != nil {
				exports.Use(cfg.Auth.Middleware(middleware.ScopeAuditExport))
			}
			exports.Post("/exports/liquidations", s.handleExportLiquidations)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summarize(r.Context(), ingest.StreamName)
	if err != nil {
		s.logger.Error("Summary query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	rows, err := s.store.DepositsByAccount(r.Context(), account, limitParam(r))
	if err != nil {
		s.logger.Error("Deposit query failed", "account", account, "err", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "deposits": rows})
}

func (s *Server) handleRedemptions(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	rows, err := s.store.RedemptionsByAccount(r.Context(), account, limitParam(r))
	if err != nil {
		s.logger.Error("Redemption query failed", "account", account, "err", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "redemptions": rows})
}

func (s *Server) handleDebtChanges(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	rows, err := s.store.DebtChangesByAccount(r.Context(), account, limitParam(r))
	if err != nil {
		s.logger.Error("Debt query failed", "account", account, "err", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "debtChanges": rows})
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	rows, err := s.store.LiquidationsByAccount(r.Context(), account, limitParam(r))
	if err != nil {
		s.logger.Error("Liquidation query failed", "account", account, "err", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "liquidations": rows})
}

type exportRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s *Server) handleExportLiquidations(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	end := time.Now().UTC()
	start := end.Add(-defaultExportWindow)
	if req.End != "" {
		parsed, err := time.Parse(time.RFC3339, req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
		end = parsed.UTC()
		start = end.Add(-defaultExportWindow)
	}
	if req.Start != "" {
		parsed, err := time.Parse(time.RFC3339, req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
		start = parsed.UTC()
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "start must precede end")
		return
	}
	result, err := s.exporter.LiquidationHistory(r.Context(), start, end)
	if err != nil {
		s.logger.Error("Liquidation export failed", "err", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	s.logger.Info("Liquidation report written", "path", result.Path, "rows", result.Rows)
	writeJSON(w, http.StatusOK, result)
}

// accountParam decodes and canonicalises the account path segment. A false
// return means the response has already been written.
func (s *Server) accountParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "account")
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return "", false
	}
	return addr.String(), true
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
