package scrumvoted

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"scrumvote/ballot"
	"scrumvote/session"
	"scrumvote/txn"
)

const maxBodyBytes = 1 << 16

// Client is the session surface exposed over HTTP.
type Client interface {
	View() session.View
	Refresh(ctx context.Context) (ballot.Mirror, error)
	Submit(ctx context.Context, action ballot.Action) (txn.Result, error)
	SelectAccount(account common.Address) error
}

// ServerConfig wires the HTTP API.
type ServerConfig struct {
	Client        Client
	Notifications http.Handler
	Auth          *Authenticator
	RateLimit     *RateLimiter
	Logger        *slog.Logger
}

// Server exposes the voting session to operators and the CLI.
type Server struct {
	client Client
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the router. Read routes are public; routes that change
// session or ledger state sit behind the authenticator.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{client: cfg.Client, logger: logger.With("component", "api")}

	r := chi.NewRouter()
	r.Use(cfg.RateLimit.Middleware)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/state", s.instrument("state", s.handleState))
		v1.Get("/history", s.instrument("history", s.handleHistory))
		if cfg.Notifications != nil {
			v1.Handle("/notifications", cfg.Notifications)
		}
		v1.Group(func(w chi.Router) {
			w.Use(cfg.Auth.Middleware)
			w.Post("/refresh", s.instrument("refresh", s.handleRefresh))
			w.Post("/account", s.instrument("account", s.handleAccount))
			w.Post("/actions/{kind}", s.instrument("action", s.handleAction))
		})
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) instrument(operation string, fn http.HandlerFunc) http.HandlerFunc {
	return otelhttp.NewHandler(fn, "scrumvoted."+operation).ServeHTTP
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	view := s.client.View()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session":    view.Status,
		"generation": view.Generation,
	})
}

type stateResponse struct {
	session.View
	BalanceEther string `json:"balance_ether"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	view := s.client.View()
	writeJSON(w, http.StatusOK, stateResponse{View: view, BalanceEther: ballot.FormatEther(view.Mirror.Contract.Balance)})
}

type historyLine struct {
	ballot.HistoryEntry
	Text string `json:"text"`
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	history := s.client.View().Mirror.History
	lines := make([]historyLine, 0, len(history))
	for _, entry := range history {
		lines = append(lines, historyLine{HistoryEntry: entry, Text: entry.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": lines})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m, err := s.client.Refresh(r.Context())
	if err != nil {
		s.fail(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type accountRequest struct {
	Account string `json:"account"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw := strings.TrimSpace(req.Account)
	if !common.IsHexAddress(raw) {
		s.fail(w, "account", ballot.ErrInvalidAddress)
		return
	}
	if err := s.client.SelectAccount(common.HexToAddress(raw)); err != nil {
		s.fail(w, "account", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type actionRequest struct {
	Candidate string `json:"candidate,omitempty"`
	NewOwner  string `json:"new_owner,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	kind, err := ballot.ParseActionKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req actionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.client.Submit(r.Context(), ballot.Action{Kind: kind, Candidate: req.Candidate, NewOwner: req.NewOwner})
	if err != nil {
		s.fail(w, string(kind), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fail(w http.ResponseWriter, operation string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "operation", operation, "error", err)
	} else {
		s.logger.Info("request refused", "operation", operation, "error", err)
	}
	writeError(w, status, publicMessage(status, err))
}

// publicMessage keeps transport and node detail out of responses. Refusals
// decided locally carry their own text.
func publicMessage(status int, err error) string {
	switch {
	case errors.Is(err, ballot.ErrRemoteRead):
		return ballot.MessageReadFailed
	case status == http.StatusUnprocessableEntity, status == http.StatusBadGateway:
		return ballot.MessageTransactionFailed
	case errors.Is(err, ballot.ErrNoProvider):
		return ballot.ErrNoProvider.Error()
	case status >= http.StatusInternalServerError:
		return http.StatusText(status)
	default:
		return err.Error()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ballot.ErrInvalidAddress), errors.Is(err, ballot.ErrUnknownCandidate):
		return http.StatusBadRequest
	case errors.Is(err, ballot.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ballot.ErrActionInFlight), errors.Is(err, ballot.ErrSessionReloaded),
		errors.Is(err, ballot.ErrNetworkMismatch), errors.Is(err, ballot.ErrNoAccount):
		return http.StatusConflict
	case errors.Is(err, ballot.ErrRemoteRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ballot.ErrRemoteRead), errors.Is(err, ballot.ErrNetworkError):
		return http.StatusBadGateway
	case errors.Is(err, ballot.ErrNoProvider):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
