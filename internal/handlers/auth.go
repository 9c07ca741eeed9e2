package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"

	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
	"teamsbridge/internal/services"
)

const statusParam = "teams_authentication_status"

func (s *Server) settingsPage(status string) string {
	return fmt.Sprintf("%s/app/teams-settings?%s=%s", s.appBaseURL, statusParam, status)
}

func (s *Server) documentPage(ref services.DocumentRef, status string) string {
	slug := strings.ToLower(ref.Kind)
	if ks, ok := models.LookupKind(ref.Kind); ok {
		slug = ks.Slug
	}
	return fmt.Sprintf("%s/app/%s/%s?%s=%s", s.appBaseURL, slug, url.PathEscape(ref.Name), statusParam, status)
}

// AuthCallback completes the authorization code flow and redirects back to the app.
func (s *Server) AuthCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if providerErr := q.Get("error"); providerErr != "" {
			log.Warn().
				Str("error", providerErr).
				Str("errorDescription", q.Get("error_description")).
				Msg("Authorization was refused by the identity provider")
			http.Redirect(w, r, s.settingsPage("error"), http.StatusFound)
			return
		}

		// Without a state the sign-in is not bound to a document and lands on the settings page.
		var ref services.DocumentRef
		if state := q.Get("state"); state != "" {
			var ok bool
			var err error
			ref, ok, err = s.auth.ConsumeState(r.Context(), state)
			if err != nil {
				log.Error().Err(err).Msg("Failed to load authorization state")
				http.Redirect(w, r, s.settingsPage("error"), http.StatusFound)
				return
			}
			if !ok {
				log.Warn().Msg("Authorization callback with unknown or expired state")
				http.Redirect(w, r, s.settingsPage("error"), http.StatusFound)
				return
			}
		}

		code := q.Get("code")
		if code == "" {
			log.Warn().Msg("Authorization callback without code")
			http.Redirect(w, r, s.settingsPage("error"), http.StatusFound)
			return
		}

		if _, err := s.auth.CompleteAuthorization(r.Context(), code); err != nil {
			log.Error().Err(err).Msg("Failed to complete authorization")
			http.Redirect(w, r, s.settingsPage("error"), http.StatusFound)
			return
		}

		if ref.IsZero() {
			http.Redirect(w, r, s.settingsPage("success"), http.StatusFound)
			return
		}
		http.Redirect(w, r, s.documentPage(ref, "success"), http.StatusFound)
	}
}

// AuthStatus reports configuration and token state.
func (s *Server) AuthStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.auth.Status(r.Context())
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, st)
	}
}

// AuthRevoke forgets the stored tokens.
func (s *Server) AuthRevoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Revoke(r.Context()); err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"details": "tokens revoked"})
	}
}

// AuthReset forgets tokens and the owner.
func (s *Server) AuthReset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Reset(r.Context()); err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"details": "integration reset"})
	}
}

// LoginURL returns a sign-in link, optionally bound to a document and with a QR code.
func (s *Server) LoginURL() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var ref *services.DocumentRef
		if kind, name := q.Get("doc_type"), q.Get("doc_name"); kind != "" && name != "" {
			ks, ok := models.LookupKind(kind)
			if !ok {
				s.Respond(w, r, http.StatusBadRequest, fmt.Sprintf("unsupported document type %q", kind))
				return
			}
			ref = &services.DocumentRef{Kind: ks.Kind, Name: name}
		}

		loginURL, err := s.auth.LoginURL(r.Context(), ref)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}

		resp := map[string]string{"login_url": loginURL}
		if queryBool(r, "qr") {
			png, err := qrcode.Encode(loginURL, qrcode.Medium, 256)
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode login QR code")
				s.Respond(w, r, http.StatusInternalServerError, "could not render QR code")
				return
			}
			resp["qr_code"] = dataurl.EncodeBytes(png)
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

// Scopes lists the delegated permissions requested at sign-in.
func (s *Server) Scopes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"scopes":   s.tokens.Scopes(),
			"optional": services.OptionalScopes,
		})
	}
}

// ValidateSettings checks the stored client registration.
func (s *Server) ValidateSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.auth.ValidateSettings(r.Context())
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, report)
	}
}

// SaveSettings stores the client registration.
func (s *Server) SaveSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg repository.ClientConfig
		if err := decodeBody(r, &cfg); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		report, err := s.auth.SaveSettings(r.Context(), cfg)
		if err != nil {
			if services.IsValidation(err) && report != nil {
				s.Respond(w, r, http.StatusBadRequest, strings.Join(report.Errors, "; "))
				return
			}
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, report)
	}
}

// TestConnection runs the permission checks.
func (s *Server) TestConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := s.auth.TestConnection(r.Context())
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		ok := true
		for _, res := range results {
			ok = ok && res.OK
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"ok": ok, "checks": results})
	}
}
