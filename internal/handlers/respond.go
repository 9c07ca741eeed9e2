package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/repository"
	"teamsbridge/internal/services"
)

// Respond writes the standard JSON envelope.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	envelope := map[string]interface{}{
		"code":    status,
		"success": status < http.StatusBadRequest,
	}
	if status >= http.StatusBadRequest {
		if err, ok := data.(error); ok {
			envelope["error"] = err.Error()
		} else {
			envelope["error"] = data
		}
	} else {
		envelope["data"] = data
	}

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode JSON response")
	}
}

// RespondError maps service errors onto status codes. Unexpected errors are logged and
// reported without detail.
func (s *Server) RespondError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *services.AuthRequiredError
	var apiErr *graph.APIError
	switch {
	case errors.As(err, &authErr):
		s.respondAuthRequired(w, r, authErr.LoginURL)
	case errors.Is(err, graph.ErrAuthRequired):
		loginURL, urlErr := s.auth.LoginURL(r.Context(), nil)
		if urlErr != nil {
			log.Warn().Err(urlErr).Msg("Could not build login URL")
		}
		s.respondAuthRequired(w, r, loginURL)
	case services.IsValidation(err):
		s.Respond(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		s.Respond(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, services.ErrNotConfigured):
		s.Respond(w, r, http.StatusPreconditionFailed, "Teams integration is not configured")
	case errors.Is(err, graph.ErrTransient):
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Upstream temporarily unavailable")
		s.Respond(w, r, http.StatusServiceUnavailable, "Microsoft Graph is temporarily unavailable, try again later")
	case errors.As(err, &apiErr):
		log.Error().Err(err).Str("path", r.URL.Path).Int("statusCode", apiErr.StatusCode).Msg("Graph request failed")
		s.Respond(w, r, http.StatusBadGateway, "Microsoft Graph request failed")
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		s.Respond(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) respondAuthRequired(w http.ResponseWriter, r *http.Request, loginURL string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	body := map[string]interface{}{
		"code":      http.StatusUnauthorized,
		"success":   false,
		"error":     "authentication required",
		"login_url": loginURL,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
