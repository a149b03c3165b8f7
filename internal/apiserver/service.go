package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/logging"
	"github.com/coldbell/escrow/backend/internal/program"
	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/coldbell/escrow/backend/internal/store"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const requestIDHeader = "X-Request-ID"

type AccountReader interface {
	GetAccount(ctx context.Context, key solana.PublicKey) (store.Account, error)
}

type Executor interface {
	Execute(ctx context.Context, tx *solana.Transaction) (*runtime.Result, error)
}

type Options struct {
	ProgramID     solana.PublicKey
	PriceDecimals uint8
	// PollInterval is how often websocket subscriptions re-read their record.
	PollInterval time.Duration
}

type Service struct {
	cfg              config.APIConfig
	opts             Options
	logger           *slog.Logger
	accounts         AccountReader
	executor         Executor
	whitelist        solana.PublicKey
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIConfig, accounts AccountReader, executor Executor, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	whitelist, _, err := program.DeriveWhitelistPDA(opts.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive whitelist PDA: %w", err)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		opts:             opts,
		logger:           logger.With("component", "api"),
		accounts:         accounts,
		executor:         executor,
		whitelist:        whitelist,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/v1/games/", s.handleGame)
	mux.HandleFunc("/v1/whitelist", s.handleWhitelist)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return s.withRequestID(s.withCORS(mux))
}

func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api started",
		"listen_addr", s.cfg.ListenAddr,
		"program", s.opts.ProgramID,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type submitTransactionRequest struct {
	Transaction string `json:"transaction"`
}

type submitTransactionResponse struct {
	Signature string   `json:"signature"`
	Logs      []string `json:"logs"`
}

type failedTransactionResponse struct {
	Error     string   `json:"error"`
	Code      uint32   `json:"code,omitempty"`
	CodeName  string   `json:"code_name,omitempty"`
	Signature string   `json:"signature,omitempty"`
	Logs      []string `json:"logs"`
}

type gameResponse struct {
	Address           string  `json:"address"`
	EntryPrice        uint64  `json:"entry_price"`
	LastPrice         uint64  `json:"last_price"`
	EntryPriceDecimal string  `json:"entry_price_decimal"`
	LastPriceDecimal  string  `json:"last_price_decimal"`
	GameActive        bool    `json:"game_active"`
	Player2           *string `json:"player2"`
	State             string  `json:"state"`
	Version           uint64  `json:"version"`
}

type whitelistResponse struct {
	Address string   `json:"address"`
	Buyers  []string `json:"buyers"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request submitTransactionRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(request.Transaction) == "" {
		s.respondError(w, http.StatusBadRequest, "transaction is required")
		return
	}
	tx, err := solana.TransactionFromBase64(strings.TrimSpace(request.Transaction))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decode transaction: %v", err))
		return
	}

	requestID := w.Header().Get(requestIDHeader)
	result, err := s.executor.Execute(r.Context(), tx)
	if result != nil {
		logging.ProgramLogs(s.logger, result.Signature.String(), result.Logs)
	}
	if err != nil {
		s.logger.Info("transaction rejected", "request_id", requestID, "err", err)
		s.respondTransactionError(w, result, err)
		return
	}

	s.logger.Info("transaction executed", "request_id", requestID, "signature", result.Signature, "updated", len(result.Updated))
	s.respondJSON(w, http.StatusOK, submitTransactionResponse{
		Signature: result.Signature.String(),
		Logs:      nonNil(result.Logs),
	})
}

func (s *Service) respondTransactionError(w http.ResponseWriter, result *runtime.Result, err error) {
	response := failedTransactionResponse{Error: err.Error(), Logs: []string{}}
	if result != nil {
		response.Signature = result.Signature.String()
		response.Logs = nonNil(result.Logs)
	}
	code, ok := program.CodeOf(err)
	if !ok && errors.Is(err, runtime.ErrSignatureVerification) {
		code, ok = program.ErrUnauthorized, true
	}
	if ok {
		response.Code = uint32(code)
		response.CodeName = code.Name()
	}

	status := http.StatusUnprocessableEntity
	if errors.Is(err, runtime.ErrAlreadyProcessed) {
		status = http.StatusConflict
	}
	s.respondJSON(w, status, response)
}

func (s *Service) handleGame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/games/"), "/")
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid game address %q", raw))
		return
	}

	game, err := s.loadGame(r.Context(), key)
	s.respondGame(w, game, err)
}

func (s *Service) respondGame(w http.ResponseWriter, game *gameResponse, err error) {
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, game)
	case errors.Is(err, store.ErrAccountNotFound):
		s.respondError(w, http.StatusNotFound, "game not found")
	case errors.Is(err, program.ErrInvalidAccount):
		s.respondError(w, http.StatusNotFound, "account is not a game record")
	default:
		s.logger.Error("load game failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load game")
	}
}

func (s *Service) loadGame(ctx context.Context, key solana.PublicKey) (*gameResponse, error) {
	account, err := s.accounts.GetAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	if !account.Owner.Equals(s.opts.ProgramID) {
		return nil, fmt.Errorf("%w: %s is owned by %s", program.ErrInvalidAccount, key, account.Owner)
	}
	state, err := program.LoadGameState(account.Data)
	if err != nil {
		return nil, fmt.Errorf("decode game %s: %w", key, err)
	}

	response := &gameResponse{
		Address:           key.String(),
		EntryPrice:        state.EntryPrice,
		LastPrice:         state.LastPrice,
		EntryPriceDecimal: s.formatPrice(state.EntryPrice),
		LastPriceDecimal:  s.formatPrice(state.LastPrice),
		GameActive:        state.GameActive,
		State:             state.Status(),
		Version:           account.Version,
	}
	if buyer, ok := state.Player2.Get(); ok {
		text := buyer.String()
		response.Player2 = &text
	}
	return response, nil
}

func (s *Service) formatPrice(value uint64) string {
	return decimal.NewFromUint64(value).Shift(-int32(s.opts.PriceDecimals)).StringFixed(int32(s.opts.PriceDecimals))
}

func (s *Service) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	account, err := s.accounts.GetAccount(r.Context(), s.whitelist)
	if errors.Is(err, store.ErrAccountNotFound) {
		s.respondError(w, http.StatusNotFound, "whitelist not initialized")
		return
	}
	if err != nil {
		s.logger.Error("load whitelist failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load whitelist")
		return
	}
	whitelist, err := program.LoadWhitelist(account.Data)
	if err != nil {
		s.logger.Error("decode whitelist failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to decode whitelist")
		return
	}

	buyers := make([]string, 0, len(whitelist.Buyers))
	for _, buyer := range whitelist.Buyers {
		buyers = append(buyers, buyer.String())
	}
	s.respondJSON(w, http.StatusOK, whitelistResponse{Address: s.whitelist.String(), Buyers: buyers})
}

func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)
			w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}
