package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"OptionClear/internal/event"
	"OptionClear/internal/ingestion"
	"OptionClear/internal/observability"
	"OptionClear/internal/persistence"
	"OptionClear/internal/projection"
	"OptionClear/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server wraps the gRPC server (health + reflection) and the HTTP/JSON API.
// The HTTP API is served directly on a gRPC-Gateway ServeMux so the JSON
// marshaling conventions match a generated gateway; service definitions are
// registered as path handlers.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	deps          *Deps
}

// Deps holds all dependencies needed by the API handlers.
type Deps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	AdminIngest   *ingestion.AdminIngestService
	SnapshotMgr   *persistence.SnapshotManager
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		deps:          deps,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API server (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()

	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/balances/{user_id}", s.handleGetBalance},
		{"GET", "/v1/rounds/{product}", s.handleGetRounds},
		{"GET", "/v1/settlements/{user_id}", s.handleGetSettlements},
		{"GET", "/v1/journals/{user_id}", s.handleGetJournals},
		{"GET", "/v1/vault/epochs", s.handleGetVaultEpochs},
		{"GET", "/v1/vault/overview", s.handleGetVaultOverview},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
		{"GET", "/v1/admin/eventlog", s.handleEventLogInfo},
		{"POST", "/v1/admin/projections/rebuild", s.handleRebuildProjections},
		{"POST", "/v1/admin/inject/deposit", s.handleInjectDeposit},
		{"POST", "/v1/admin/inject/withdrawal", s.handleInjectWithdrawal},
		{"POST", "/v1/admin/rounds/genesis/open", s.handleGenesisOpen},
		{"POST", "/v1/admin/rounds/genesis/start", s.handleGenesisStart},
		{"POST", "/v1/admin/rounds/pause", s.handlePauseRounds},
		{"POST", "/v1/admin/rounds/unpause", s.handleUnpauseRounds},
		{"POST", "/v1/admin/strategy", s.handleStrategyCommand},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("handle %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// --- Query handlers ---

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	userID, err := uuid.Parse(pathParams["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user_id: %v", err))
		return
	}

	bal, err := s.deps.QueryService.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, bal)
}

func (s *Server) handleGetRounds(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	product := pathParams["product"]
	limit := queryInt(r, "limit", 50)

	rounds, err := s.deps.QueryService.GetRoundHistory(r.Context(), product, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"rounds": rounds})
}

func (s *Server) handleGetSettlements(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	userID, err := uuid.Parse(pathParams["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user_id: %v", err))
		return
	}
	limit := queryInt(r, "limit", 50)

	settlements, err := s.deps.QueryService.GetSettlementHistory(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"settlements": settlements})
}

func (s *Server) handleGetJournals(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	userID, err := uuid.Parse(pathParams["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user_id: %v", err))
		return
	}

	limit := queryInt(r, "limit", 100)
	if limit > 500 {
		limit = 500
	}

	var afterSeq *int64
	if v := r.URL.Query().Get("from_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from_sequence")
			return
		}
		afterSeq = &seq
	}

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), userID, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"journals": entries})
}

func (s *Server) handleGetVaultEpochs(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit := queryInt(r, "limit", 50)

	epochs, err := s.deps.QueryService.GetVaultEpochs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"epochs": epochs})
}

func (s *Server) handleGetVaultOverview(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	overview, err := s.deps.QueryService.GetVaultOverview(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, overview)
}

// --- Admin handlers ---

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleEventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"last_sequence":  latestSeq,
		"uptime_seconds": int64(time.Since(s.deps.StartTime).Seconds()),
	})
}

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"rebuilt": true})
}

func (s *Server) handleInjectDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		UserID string `json:"user_id"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user_id: %v", err))
		return
	}

	if err := s.deps.AdminIngest.InjectDeposit(r.Context(), userID, req.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

func (s *Server) handleInjectWithdrawal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		UserID       string `json:"user_id"`
		Amount       int64  `json:"amount"`
		DelaySeconds int64  `json:"delay_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user_id: %v", err))
		return
	}

	delay := time.Duration(req.DelaySeconds) * time.Second
	if err := s.deps.AdminIngest.InjectWithdrawal(r.Context(), userID, req.Amount, delay); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

func (s *Server) handleGenesisOpen(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.deps.AdminIngest.InjectGenesisOpen(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

func (s *Server) handleGenesisStart(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Prices []struct {
			Product string `json:"product"`
			Price   int64  `json:"price"`
		} `json:"prices"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(req.Prices) == 0 {
		writeError(w, http.StatusBadRequest, "prices are required")
		return
	}

	now := time.Now()
	prices := make([]event.ProductPrice, 0, len(req.Prices))
	for _, p := range req.Prices {
		if p.Product == "" || p.Price <= 0 {
			writeError(w, http.StatusBadRequest, "each price needs a product and a positive price")
			return
		}
		prices = append(prices, event.ProductPrice{
			Product:     p.Product,
			Price:       p.Price,
			PublishTime: now,
		})
	}

	if err := s.deps.AdminIngest.InjectGenesisStart(r.Context(), prices); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

func (s *Server) handlePauseRounds(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.deps.AdminIngest.InjectPause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

func (s *Server) handleUnpauseRounds(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.deps.AdminIngest.InjectUnpause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

func (s *Server) handleStrategyCommand(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Action string `json:"action"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var action event.StrategyAction
	switch req.Action {
	case "utilize":
		action = event.StrategyActionUtilize
	case "deutilize":
		action = event.StrategyActionDeutilize
	case "rebalance":
		action = event.StrategyActionRebalance
	case "emergency":
		action = event.StrategyActionEmergency
	case "clear_emergency":
		action = event.StrategyActionClearEmergency
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action: %q", req.Action))
		return
	}

	if err := s.deps.AdminIngest.InjectStrategyCommand(r.Context(), action, req.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
