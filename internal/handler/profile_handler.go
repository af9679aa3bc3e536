package handler

import (
	"encoding/json"
	"net/http"

	"b2c-session/internal/container"
	"b2c-session/internal/middleware"
	"b2c-session/pkg/errors"
)

// ProfileHandler serves the bearer-authenticated profile endpoints
type ProfileHandler struct {
	container *container.Container
}

// NewProfileHandler creates a new profile handler
func NewProfileHandler(container *container.Container) *ProfileHandler {
	return &ProfileHandler{
		container: container,
	}
}

// Hello handles GET /hello and echoes the validated claims
func (h *ProfileHandler) Hello(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, r, errors.NewAuthenticationError("User not authenticated"), h.container.GetLogger())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"name": claims})
}

// Profile handles GET /auth. It looks up the token's subject in the
// directory and returns the record unchanged.
func (h *ProfileHandler) Profile(w http.ResponseWriter, r *http.Request) {
	logger := h.container.GetLogger()

	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, r, errors.NewAuthenticationError("User not authenticated"), logger)
		return
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		middleware.WriteError(w, r, errors.NewAuthenticationError("Token has no subject"), logger)
		return
	}

	raw, err := h.container.GetDirectoryService().LookupUser(r.Context(), subject)
	if err != nil {
		appErr, ok := errors.As(err)
		if !ok {
			appErr = errors.NewUpstreamProxyError("Directory lookup failed", nil, err)
		}
		logger.WithError(appErr).WithField("subject", subject).Error("Directory lookup failed")

		var upstream interface{}
		if appErr.Details != nil {
			upstream = appErr.Details["upstream"]
		}
		if upstream == nil {
			upstream = map[string]interface{}{"message": appErr.Message}
		}
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": upstream})
		return
	}

	logger.WithField("subject", subject).Debug("Directory profile served")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"result": raw})
}

func (h *ProfileHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.container.GetLogger().WithError(err).Error("Failed to encode response")
	}
}
