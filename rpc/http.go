package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"nusd/core"
	"nusd/observability"
	"nusd/rpc/modules"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	visitorTTL      = 10 * time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

const (
	defaultRequestsPerMinute = 600
	defaultBurst             = 20
)

// ServerConfig tunes the JSON-RPC listener. The zero value serves unauthenticated
// reads only: without AuthToken every mutating method is refused.
type ServerConfig struct {
	// AuthToken is the bearer token required on mutating methods.
	AuthToken string
	// TrustProxyHeaders enables X-Forwarded-For / X-Real-IP as the client
	// source. Leave off unless a trusted proxy terminates client traffic.
	TrustProxyHeaders bool
	// RequestsPerMinute caps mutating calls per client source.
	RequestsPerMinute float64
	// Burst is the short-term allowance on top of the sustained rate.
	Burst int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server exposes the vault over JSON-RPC 2.0 plus a websocket event stream.
type Server struct {
	node  *core.Node
	vault *modules.VaultModule
	cfg   ServerConfig

	mu       sync.Mutex
	visitors map[string]*visitor
	nowFunc  func() time.Time

	serverMu   sync.Mutex
	httpServer *http.Server
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	return &Server{
		node:     node,
		vault:    modules.NewVaultModule(node),
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		nowFunc:  time.Now,
	}
}

// Handler returns the routed HTTP handler: JSON-RPC at the root, the event
// stream at /ws/events, Prometheus metrics at /metrics and a liveness probe
// at /healthz. JSON-RPC calls are traced; the websocket route stays unwrapped
// so long-lived streams do not hold spans open.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.Handle("/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "nusd.rpc"))
	return mux
}

// Start serves the handler on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeModuleError(w http.ResponseWriter, id interface{}, modErr *modules.ModuleError) {
	if modErr == nil {
		return
	}
	writeError(w, modErr.HTTPStatus, id, modErr.Code, modErr.Message, modErr.Data)
}

// statusRecorder captures the response status so request metrics can tell
// failures from successes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := s.serveRPC(recorder, r)
	if method == "" {
		method = "unknown"
	}
	observability.RPC().Observe(method, recorder.status >= http.StatusBadRequest, time.Since(started))
}

// serveRPC parses the envelope and dispatches. It returns the method name,
// empty when the request never parsed far enough to carry one.
func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return ""
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return ""
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return ""
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return req.Method
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return ""
	}

	s.dispatch(w, r, req)
	return req.Method
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "vault_deposit":
		s.handleMutation(w, r, req, s.handleVaultDeposit)
	case "vault_mint":
		s.handleMutation(w, r, req, s.handleVaultMint)
	case "vault_depositAndMint":
		s.handleMutation(w, r, req, s.handleVaultDepositAndMint)
	case "vault_redeem":
		s.handleMutation(w, r, req, s.handleVaultRedeem)
	case "vault_burn":
		s.handleMutation(w, r, req, s.handleVaultBurn)
	case "vault_redeemForBurn":
		s.handleMutation(w, r, req, s.handleVaultRedeemForBurn)
	case "vault_liquidate":
		s.handleMutation(w, r, req, s.handleVaultLiquidate)
	case "vault_getAccount":
		s.handleVaultGetAccount(w, req)
	case "vault_getCollateralValue":
		s.handleVaultGetCollateralValue(w, req)
	case "vault_healthFactor":
		s.handleVaultHealthFactor(w, req)
	case "vault_collateralBalance":
		s.handleVaultCollateralBalance(w, req)
	case "vault_usdValue":
		s.handleVaultUsdValue(w, req)
	case "vault_tokenAmountFromUsd":
		s.handleVaultTokenAmountFromUsd(w, req)
	case "vault_listAssets":
		s.handleVaultListAssets(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// handleMutation gates state-changing methods behind bearer auth and the
// per-source rate limit before invoking the handler.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func(http.ResponseWriter, *RPCRequest)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	source := s.clientSource(r)
	if !s.allowSource(source) {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", source)
		return
	}
	fn(w, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.AuthToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// allowSource admits one mutating call per token-bucket check for the given
// source. Stale visitors are swept on each lookup.
func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.visitors {
		if now.Sub(entry.lastSeen) > visitorTTL {
			delete(s.visitors, id)
		}
	}
	entry, ok := s.visitors[source]
	if !ok {
		perSecond := rate.Limit(s.cfg.RequestsPerMinute / 60.0)
		entry = &visitor{limiter: rate.NewLimiter(perSecond, s.cfg.Burst)}
		s.visitors[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// clientSource resolves the caller identity used for rate limiting. Proxy
// headers are honoured only when the deployment opts in.
func (s *Server) clientSource(r *http.Request) string {
	if s.cfg.TrustProxyHeaders {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			if len(parts) > 0 {
				candidate := strings.TrimSpace(parts[0])
				if candidate != "" {
					return candidate
				}
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
