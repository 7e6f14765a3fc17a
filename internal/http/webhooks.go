package httpapi

import (
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/sms-crm/internal/core"
)

// Providers retry anything that is not 2xx. Only malformed payloads are
// rejected; storage failures are logged and still acknowledged.
func (s *Server) statusCallback(w http.ResponseWriter, r *http.Request) {
	var cb core.StatusCallback
	if isJSON(r) {
		var in struct {
			ProviderRef  string `json:"providerRef"`
			Status       string `json:"status"`
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		if !decode(w, r, &in) {
			return
		}
		cb = core.StatusCallback(in)
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
			return
		}
		cb = core.StatusCallback{
			ProviderRef:  r.PostForm.Get("MessageSid"),
			Status:       r.PostForm.Get("MessageStatus"),
			ErrorCode:    r.PostForm.Get("ErrorCode"),
			ErrorMessage: r.PostForm.Get("ErrorMessage"),
		}
	}

	outcome, err := s.Reconciler.OnStatusUpdate(r.Context(), cb)
	s.ack(w, r, outcome, err)
}

func (s *Server) inboundCallback(w http.ResponseWriter, r *http.Request) {
	var cb core.InboundCallback
	if isJSON(r) {
		var in struct {
			From        string `json:"from"`
			To          string `json:"to"`
			Body        string `json:"body"`
			ProviderRef string `json:"providerRef"`
		}
		if !decode(w, r, &in) {
			return
		}
		cb = core.InboundCallback(in)
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
			return
		}
		cb = core.InboundCallback{
			From:        r.PostForm.Get("From"),
			To:          r.PostForm.Get("To"),
			Body:        r.PostForm.Get("Body"),
			ProviderRef: r.PostForm.Get("MessageSid"),
		}
	}

	outcome, err := s.Reconciler.OnInbound(r.Context(), cb)
	s.ack(w, r, outcome, err)
}

func (s *Server) ack(w http.ResponseWriter, r *http.Request, outcome core.Outcome, err error) {
	if core.IsValidation(err) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.Log.Error("webhook not applied",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
		outcome = "error"
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "result": outcome})
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

