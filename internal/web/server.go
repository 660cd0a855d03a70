package web

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/elys-network/icastrategy/internal/logger"
	"github.com/elys-network/icastrategy/internal/metrics"
	"github.com/elys-network/icastrategy/internal/orchestrator"
	"github.com/elys-network/icastrategy/internal/state"
)

type callerKey struct{}

// HistoryReader is implemented by stores that keep committed state revisions.
type HistoryReader interface {
	Revisions(ctx context.Context, limit int) ([]state.Revision, error)
}

// Config holds the dependencies of the HTTP API. Journal, History and Ping are optional.
type Config struct {
	Port         string
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Metrics
	Journal      state.CycleJournal
	History      HistoryReader
	Ping         func(ctx context.Context) error
	// Tokens maps bearer tokens to the caller identity they act as.
	Tokens map[string]string
}

// WebServer exposes every orchestrator entrypoint and query over HTTP.
type WebServer struct {
	router *mux.Router
	port   string
	cfg    Config
	logger zerolog.Logger
}

func NewWebServer(cfg Config) *WebServer {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	server := &WebServer{
		router: mux.NewRouter(),
		port:   cfg.Port,
		cfg:    cfg,
		logger: logger.GetForComponent("web_server"),
	}
	server.setupRoutes()
	return server
}

func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", ws.cfg.Metrics.Handler()).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// queries
	api.HandleFunc("/locks", ws.handleGetLocks).Methods("GET")
	api.HandleFunc("/queues", ws.handleGetQueues).Methods("GET")
	api.HandleFunc("/traps", ws.handleGetTraps).Methods("GET")
	api.HandleFunc("/traps/{channel}/{sequence}", ws.handleGetTrap).Methods("GET")
	api.HandleFunc("/claims/{owner}", ws.handleGetClaims).Methods("GET")
	api.HandleFunc("/claims/{owner}/{id}", ws.handleGetClaimStatus).Methods("GET")
	api.HandleFunc("/shares/{owner}", ws.handleGetShares).Methods("GET")
	api.HandleFunc("/returns", ws.handleGetReturns).Methods("GET")
	api.HandleFunc("/unconfirmed", ws.handleGetUnconfirmed).Methods("GET")
	api.HandleFunc("/channel", ws.handleGetChannel).Methods("GET")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/history", ws.handleGetHistory).Methods("GET")

	// entrypoints act as the identity bound to the bearer token
	exec := func(path string, h http.HandlerFunc) {
		api.Handle(path, ws.authMiddleware(h)).Methods("POST")
	}
	exec("/bond", ws.handleRequestBond)
	exec("/start-unbond", ws.handleRequestStartUnbond)
	exec("/unbond", ws.handleRequestUnbond)
	exec("/dispatch", ws.handleDispatch)
	exec("/ack", ws.handleAcknowledge)
	exec("/timeout", ws.handleTimeout)
	exec("/retry", ws.handleRetry)
	exec("/unconfirmed/{tx}/resolve", ws.handleResolveUnconfirmed)
	exec("/returns/{id}/accept", ws.handleAcceptReturnedFunds)
	exec("/locks/{category}", ws.handleSetLock)
	exec("/channel/open", ws.handleOpenChannel)
	exec("/channel/close", ws.handleCloseChannel)

	// preflight requests must match a route for the middleware chain to run
	ws.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler returns the routed handler, mainly for tests.
func (ws *WebServer) Handler() http.Handler { return ws.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	ws.logger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ws.logger.Info().Msg("Shutting down web server")
		return server.Shutdown(shutdownCtx)
	}
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hasErrors := false
	dbHealthy := true
	if ws.cfg.Ping != nil {
		if err := ws.cfg.Ping(r.Context()); err != nil {
			ws.logger.Error().Err(err).Msg("Health check: database ping failed")
			dbHealthy = false
			hasErrors = true
		}
	}

	strategy := map[string]interface{}{"database_healthy": dbHealthy}
	if locks, err := ws.cfg.Orchestrator.Locks(r.Context()); err == nil {
		strategy["locks"] = locks
	} else {
		hasErrors = true
	}
	if traps, err := ws.cfg.Orchestrator.Traps(r.Context()); err == nil {
		strategy["open_traps"] = len(traps)
	}
	if ch, err := ws.cfg.Orchestrator.Channel(r.Context()); err == nil && ch != nil {
		strategy["channel_status"] = ch.Status
	}
	if ws.cfg.Journal != nil {
		if cycles, err := ws.cfg.Journal.RecentCycles(r.Context(), 1); err == nil && len(cycles) > 0 {
			strategy["last_cycle"] = cycles[0]
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if hasErrors {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "ica-strategy",
			"version": "1.0.0",
		},
		"strategy": strategy,
	})
}

func (ws *WebServer) handleGetLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := ws.cfg.Orchestrator.Locks(r.Context())
	ws.respond(w, locks, err)
}

func (ws *WebServer) handleGetQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := ws.cfg.Orchestrator.Queues(r.Context())
	ws.respond(w, queues, err)
}

func (ws *WebServer) handleGetTraps(w http.ResponseWriter, r *http.Request) {
	traps, err := ws.cfg.Orchestrator.Traps(r.Context())
	ws.respond(w, map[string]interface{}{"traps": traps, "count": len(traps)}, err)
}

func (ws *WebServer) handleGetTrap(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	seq, err := strconv.ParseUint(vars["sequence"], 10, 64)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid sequence")
		return
	}
	trap, err := ws.cfg.Orchestrator.Trap(r.Context(), vars["channel"], seq)
	ws.respond(w, trap, err)
}

func (ws *WebServer) handleGetClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := ws.cfg.Orchestrator.Claims(r.Context(), mux.Vars(r)["owner"])
	ws.respond(w, map[string]interface{}{"claims": claims, "count": len(claims)}, err)
}

func (ws *WebServer) handleGetClaimStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status, err := ws.cfg.Orchestrator.ClaimStatus(r.Context(), vars["owner"], vars["id"])
	ws.respond(w, status, err)
}

func (ws *WebServer) handleGetShares(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	balance, total, err := ws.cfg.Orchestrator.Shares(r.Context(), owner)
	ws.respond(w, map[string]interface{}{"owner": owner, "shares": balance, "total_shares": total}, err)
}

func (ws *WebServer) handleGetReturns(w http.ResponseWriter, r *http.Request) {
	returns, err := ws.cfg.Orchestrator.ReturningTransfers(r.Context())
	ws.respond(w, map[string]interface{}{"returns": returns, "count": len(returns)}, err)
}

func (ws *WebServer) handleGetUnconfirmed(w http.ResponseWriter, r *http.Request) {
	sends, err := ws.cfg.Orchestrator.Unconfirmed(r.Context())
	ws.respond(w, map[string]interface{}{"unconfirmed": sends, "count": len(sends)}, err)
}

func (ws *WebServer) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := ws.cfg.Orchestrator.Channel(r.Context())
	if err == nil && ch == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "No channel registered")
		return
	}
	ws.respond(w, ch, err)
}

func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	if ws.cfg.Journal == nil {
		ws.writeErrorResponse(w, http.StatusNotImplemented, "Cycle journal is not available")
		return
	}
	limit := parseLimit(r)
	cycles, err := ws.cfg.Journal.RecentCycles(r.Context(), limit)
	ws.respond(w, map[string]interface{}{"cycles": cycles, "count": len(cycles), "limit": limit}, err)
}

func (ws *WebServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if ws.cfg.History == nil {
		ws.writeErrorResponse(w, http.StatusNotImplemented, "State history requires the PostgreSQL store")
		return
	}
	limit := parseLimit(r)
	revisions, err := ws.cfg.History.Revisions(r.Context(), limit)
	ws.respond(w, map[string]interface{}{"revisions": revisions, "count": len(revisions), "limit": limit}, err)
}

type bondRequest struct {
	Owner  string `json:"owner"`
	BondID string `json:"bond_id"`
	Funds  string `json:"funds"`
}

func (ws *WebServer) handleRequestBond(w http.ResponseWriter, r *http.Request) {
	var req bondRequest
	funds, ok := ws.decode(w, r, &req, &req.Funds)
	if !ok {
		return
	}
	resp, err := ws.cfg.Orchestrator.RequestBond(r.Context(), caller(r), req.Owner, req.BondID, funds)
	ws.respond(w, resp, err)
}

type startUnbondRequest struct {
	Owner    string `json:"owner"`
	UnbondID string `json:"unbond_id"`
	Shares   string `json:"shares"`
	Funds    string `json:"funds,omitempty"`
}

func (ws *WebServer) handleRequestStartUnbond(w http.ResponseWriter, r *http.Request) {
	var req startUnbondRequest
	funds, ok := ws.decode(w, r, &req, &req.Funds)
	if !ok {
		return
	}
	shares, valid := sdkmath.NewIntFromString(req.Shares)
	if !valid {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid shares amount")
		return
	}
	resp, err := ws.cfg.Orchestrator.RequestStartUnbond(r.Context(), caller(r), funds, req.Owner, req.UnbondID, shares)
	ws.respond(w, resp, err)
}

type unbondRequest struct {
	Owner    string `json:"owner"`
	UnbondID string `json:"unbond_id"`
	Funds    string `json:"funds,omitempty"`
}

func (ws *WebServer) handleRequestUnbond(w http.ResponseWriter, r *http.Request) {
	var req unbondRequest
	funds, ok := ws.decode(w, r, &req, &req.Funds)
	if !ok {
		return
	}
	resp, err := ws.cfg.Orchestrator.RequestUnbond(r.Context(), caller(r), funds, req.Owner, req.UnbondID)
	ws.respond(w, resp, err)
}

func (ws *WebServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	resp, err := ws.cfg.Orchestrator.Dispatch(r.Context())
	ws.respond(w, resp, err)
}

// packetRequest addresses an in-flight or trapped packet. Acknowledgement carries the raw
// IBC acknowledgement bytes, base64 encoded.
type packetRequest struct {
	Channel         string `json:"channel"`
	Sequence        uint64 `json:"sequence"`
	Acknowledgement []byte `json:"acknowledgement,omitempty"`
	Funds           string `json:"funds,omitempty"`
}

func (ws *WebServer) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req packetRequest
	if _, ok := ws.decode(w, r, &req, nil); !ok {
		return
	}
	result, err := orchestrator.ParseAcknowledgement(req.Acknowledgement)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	resp, err := ws.cfg.Orchestrator.Acknowledge(r.Context(), caller(r), req.Channel, req.Sequence, result)
	ws.respond(w, resp, err)
}

func (ws *WebServer) handleTimeout(w http.ResponseWriter, r *http.Request) {
	var req packetRequest
	if _, ok := ws.decode(w, r, &req, nil); !ok {
		return
	}
	resp, err := ws.cfg.Orchestrator.Timeout(r.Context(), caller(r), req.Channel, req.Sequence)
	ws.respond(w, resp, err)
}

func (ws *WebServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req packetRequest
	funds, ok := ws.decode(w, r, &req, &req.Funds)
	if !ok {
		return
	}
	resp, err := ws.cfg.Orchestrator.Retry(r.Context(), caller(r), funds, req.Channel, req.Sequence)
	ws.respond(w, resp, err)
}

// resolveRequest carries the sequence the operator found for an unconfirmed tx, zero when the
// tx produced no packet.
type resolveRequest struct {
	Sequence uint64 `json:"sequence"`
	Funds    string `json:"funds,omitempty"`
}

func (ws *WebServer) handleResolveUnconfirmed(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	funds, ok := ws.decode(w, r, &req, &req.Funds)
	if !ok {
		return
	}
	resp, err := ws.cfg.Orchestrator.ResolveUnconfirmed(r.Context(), caller(r), funds, mux.Vars(r)["tx"], req.Sequence)
	ws.respond(w, resp, err)
}

type fundsRequest struct {
	Funds string `json:"funds"`
}

func (ws *WebServer) handleAcceptReturnedFunds(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	funds, ok := ws.decode(w, r, &req, &req.Funds)
	if !ok {
		return
	}
	resp, err := ws.cfg.Orchestrator.AcceptReturnedFunds(r.Context(), caller(r), mux.Vars(r)["id"], funds)
	ws.respond(w, resp, err)
}

type lockRequest struct {
	Locked bool `json:"locked"`
}

func (ws *WebServer) handleSetLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if _, ok := ws.decode(w, r, &req, nil); !ok {
		return
	}
	resp, err := ws.cfg.Orchestrator.SetLock(r.Context(), caller(r), mux.Vars(r)["category"], req.Locked)
	ws.respond(w, resp, err)
}

type openChannelRequest struct {
	ChannelID    string `json:"channel_id"`
	ConnectionID string `json:"connection_id"`
	ICAAddress   string `json:"ica_address"`
}

func (ws *WebServer) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	var req openChannelRequest
	if _, ok := ws.decode(w, r, &req, nil); !ok {
		return
	}
	resp, err := ws.cfg.Orchestrator.OpenChannel(r.Context(), caller(r), req.ChannelID, req.ConnectionID, req.ICAAddress)
	ws.respond(w, resp, err)
}

func (ws *WebServer) handleCloseChannel(w http.ResponseWriter, r *http.Request) {
	resp, err := ws.cfg.Orchestrator.CloseChannel(r.Context(), caller(r))
	ws.respond(w, resp, err)
}

// decode reads the JSON body into dst and parses *fundsField as coins when given.
func (ws *WebServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}, fundsField *string) (sdk.Coins, bool) {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if fundsField == nil || strings.TrimSpace(*fundsField) == "" {
		return nil, true
	}
	funds, err := sdk.ParseCoinsNormalized(*fundsField)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid funds: "+err.Error())
		return nil, false
	}
	return funds, true
}

func parseLimit(r *http.Request) int {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}
	return limit
}

func caller(r *http.Request) string {
	id, _ := r.Context().Value(callerKey{}).(string)
	return id
}

func (ws *WebServer) respond(w http.ResponseWriter, data interface{}, err error) {
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, data)
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errorsmod.IsOf(err, orchestrator.ErrUnauthorized):
		return http.StatusForbidden
	case errorsmod.IsOf(err, orchestrator.ErrQueueItemNotFound, orchestrator.ErrTrapNotFound,
		orchestrator.ErrReturningTransferNotFound, orchestrator.ErrUnknownCorrelation,
		orchestrator.ErrUnconfirmedNotFound):
		return http.StatusNotFound
	case errorsmod.IsOf(err, orchestrator.ErrSendUnconfirmed, orchestrator.ErrPayoutNotConfirmed):
		return http.StatusBadGateway
	case errorsmod.IsOf(err, orchestrator.ErrDuplicateRequest, orchestrator.ErrChannelAlreadySet,
		orchestrator.ErrClaimAlreadyAttempted):
		return http.StatusConflict
	}
	if codespace, _, _ := errorsmod.ABCIInfo(err, false); codespace == orchestrator.Codespace {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (ws *WebServer) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		ws.logger.Error().Err(err).Msg("Request failed")
	}
	ws.writeErrorResponse(w, status, err.Error())
}

func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		ws.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	ws.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

// authMiddleware resolves the bearer token to the caller identity passed to the orchestrator.
func (ws *WebServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		identity, ok := ws.cfg.Tokens[token]
		if token == "" || !ok {
			ws.writeErrorResponse(w, http.StatusUnauthorized, "Missing or unknown bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, identity)))
	})
}

func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		ws.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
