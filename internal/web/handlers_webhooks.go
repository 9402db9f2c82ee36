package web

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/catalog/internal/core"
)

// webhookRequest is the POST/PUT body. Enabled defaults to true when omitted.
type webhookRequest struct {
	URL     string         `json:"url"`
	Event   core.EventKind `json:"event"`
	Enabled *bool          `json:"enabled"`
}

func (h webhookRequest) toInput() core.SubscriptionInput {
	in := core.SubscriptionInput{URL: h.URL, Event: h.Event, Enabled: true}
	if h.Enabled != nil {
		in.Enabled = *h.Enabled
	}
	return in
}

func (s *Server) webhookError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		s.respondError(w, r, err, http.StatusNotFound, "Webhook not found")
	case errors.Is(err, core.ErrInvalidInput):
		s.respondError(w, r, err, http.StatusBadRequest, err.Error())
	default:
		s.respondError(w, r, err, statusFor(err), "")
	}
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Webhooks.List(r.Context())
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	sub, err := s.deps.Webhooks.Get(r.Context(), id)
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.webhookError(w, r, err)
		return
	}
	sub, err := s.deps.Webhooks.Create(r.Context(), req.toInput())
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	var req webhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.webhookError(w, r, err)
		return
	}
	sub, err := s.deps.Webhooks.Update(r.Context(), id, req.toInput())
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	if err := s.deps.Webhooks.Delete(r.Context(), id); err != nil {
		s.webhookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: "Webhook deleted"})
}

// handleTestWebhook sends the test payload. A response of any status is a
// successful test; only a failed exchange is reported as 400.
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	res, err := s.deps.Webhooks.Test(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.webhookError(w, r, err)
			return
		}
		s.respondError(w, r, err, http.StatusBadRequest, "Webhook test failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
