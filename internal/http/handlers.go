package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/db"
	"github.com/Cypherspark/sms-crm/internal/store"
)

type UserStore interface {
	Create(ctx context.Context, name string) (string, error)
}

type ClientStore interface {
	Create(ctx context.Context, userID, name, phone string) (core.Client, error)
	Get(ctx context.Context, id string) (core.Client, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	DB         Pinger
	Users      UserStore
	Clients    ClientStore
	Ledger     core.Ledger
	Messages   core.MessageStore
	Dispatcher *core.Dispatcher
	Reconciler *core.Reconciler
	Progress   *core.Aggregator

	// Checks are extra readiness dependencies, keyed by the name /readyz
	// reports them under.
	Checks map[string]Pinger

	WebhookSecret string
	Log           *slog.Logger
}

// NewServer wires the Postgres stores and services around sender. A nil
// reconciler gets one over the same stores with no dedup or parking.
func NewServer(database *db.DB, sender core.Sender, reconciler *core.Reconciler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	messages := &store.Messages{DB: database}
	clients := &store.Clients{DB: database}
	if reconciler == nil {
		reconciler = &core.Reconciler{Messages: messages, Clients: clients, Log: log}
	}
	return &Server{
		DB:       database.Pool,
		Users:    &store.Users{DB: database},
		Clients:  clients,
		Ledger:   &store.Ledger{DB: database},
		Messages: messages,
		Dispatcher: &core.Dispatcher{
			Outbox:  &store.Outbox{DB: database},
			Clients: clients,
			Sender:  sender,
			Log:     log,
		},
		Reconciler: reconciler,
		Progress:   &core.Aggregator{Messages: messages},
		Log:        log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, instrument)

	s.mountOps(r)

	r.Post("/users", s.createUser)

	// called by the provider, not by users
	r.Group(func(r chi.Router) {
		r.Use(s.verifySignature)
		r.Post("/webhooks/status", s.statusCallback)
		r.Post("/webhooks/inbound", s.inboundCallback)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/credits", s.getBalance)
		r.Get("/credits/transactions", s.listTransactions)
		r.Post("/credits", s.grantCredits)

		r.Post("/clients", s.createClient)
		r.Get("/clients/{id}/messages", s.clientMessages)

		r.Post("/messages", s.postMessage)
		r.Post("/messages/batch", s.postBatch)
		r.Get("/messages/{id}", s.getMessage)

		r.Get("/batches/{batchID}/progress", s.batchProgress)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case core.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient_credits"})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	default:
		s.Log.Error("request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return false
	}
	return true
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Users.Create(r.Context(), in.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "name": in.Name})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.Ledger.Balance(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": bal})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	items, err := s.Ledger.Recent(r.Context(), userID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit})
}

func (s *Server) grantCredits(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount      int    `json:"amount"`
		Type        string `json:"type"`
		Description string `json:"description"`
		ExternalRef string `json:"externalRef"`
	}
	if !decode(w, r, &in) {
		return
	}
	g := core.Grant{
		UserID:      userID(r),
		Amount:      in.Amount,
		Type:        core.TransactionType(in.Type),
		Description: in.Description,
	}
	if g.Type == "" {
		g.Type = core.TxPurchase
	}
	if in.ExternalRef != "" {
		g.ExternalRef = &in.ExternalRef
	}
	id, err := s.Ledger.Grant(r.Context(), g)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.Ledger.Balance(r.Context(), g.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "balance": bal})
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	}
	if !decode(w, r, &in) {
		return
	}
	c, err := s.Clients.Create(r.Context(), userID(r), in.Name, in.Phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) clientMessages(w http.ResponseWriter, r *http.Request) {
	c, err := s.Clients.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && c.UserID != userID(r) {
		err = core.ErrNotFound
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.Messages.ListByClient(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ClientID string `json:"clientId"`
		Content  string `json:"content"`
	}
	if !decode(w, r, &in) {
		return
	}
	m, err := s.Dispatcher.DispatchSingle(r.Context(), userID(r), in.ClientID, in.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) postBatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ClientIDs []string `json:"clientIds"`
		Content   string   `json:"content"`
	}
	if !decode(w, r, &in) {
		return
	}
	receipt, err := s.Dispatcher.DispatchBatch(r.Context(), userID(r), in.ClientIDs, in.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.Messages.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && m.UserID != userID(r) {
		err = core.ErrNotFound
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) batchProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.Progress.ProgressFor(r.Context(), userID(r), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batchId": chi.URLParam(r, "batchID"), "progress": p})
}
