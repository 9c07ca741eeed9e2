package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"teamsbridge/internal/models"
	"teamsbridge/internal/services"
)

type messageRequest struct {
	Message string `json:"message"`
	DocType string `json:"doc_type"`
	DocName string `json:"doc_name"`
}

// optionalDocumentRef builds a document reference when both parts are given.
func optionalDocumentRef(kind, name string) (*services.DocumentRef, error) {
	if kind == "" || name == "" {
		return nil, nil
	}
	ks, ok := models.LookupKind(kind)
	if !ok {
		return nil, fmt.Errorf("unsupported document type %q", kind)
	}
	return &services.DocumentRef{Kind: ks.Kind, Name: name}, nil
}

// SendMessage posts to a chat and mirrors the sent message.
func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		ref, err := optionalDocumentRef(req.DocType, req.DocName)
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, err.Error())
			return
		}
		msg, err := s.messages.Send(r.Context(), mux.Vars(r)["chatId"], req.Message, ref)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusCreated, msg)
	}
}

type fetchRequest struct {
	Count   int    `json:"count"`
	DocType string `json:"doc_type"`
	DocName string `json:"doc_name"`
}

// FetchMessages mirrors the latest messages of a chat.
func (s *Server) FetchMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := fetchRequest{Count: queryInt(r, "count", 0)}
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		ref, err := optionalDocumentRef(req.DocType, req.DocName)
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, err.Error())
			return
		}
		res, err := s.messages.FetchAndStore(r.Context(), mux.Vars(r)["chatId"], req.Count, ref)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, res)
	}
}

// LocalMessages returns mirrored history from the local store.
func (s *Server) LocalMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.messages.LocalMessages(r.Context(), mux.Vars(r)["chatId"], services.HistoryQuery{
			Limit:       queryInt(r, "limit", services.DefaultHistoryLimit),
			Offset:      queryInt(r, "offset", 0),
			NewestFirst: r.URL.Query().Get("order") == "desc",
		})
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []models.ChatMessage{}
		}
		s.Respond(w, r, http.StatusOK, msgs)
	}
}

// ChatStats summarises one chat's mirrored history.
func (s *Server) ChatStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.stats.ChatStats(r.Context(), mux.Vars(r)["chatId"])
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, st)
	}
}

// ExportHistory downloads history as json or csv. With archive=true the file is uploaded
// instead and its location returned.
func (s *Server) ExportHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		archive := queryBool(r, "archive")
		exp, err := s.stats.ExportHistory(r.Context(), q.Get("chat_id"), q.Get("format"), archive)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		if archive && exp.ArchiveURL != "" {
			s.Respond(w, r, http.StatusOK, exp)
			return
		}

		w.Header().Set("Content-Type", exp.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+exp.Filename+`"`)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(exp.Data); err != nil {
			log.Error().Err(err).Str("filename", exp.Filename).Msg("Failed to write export")
		}
	}
}

type syncRequest struct {
	ChatID string `json:"chat_id"`
}

// SyncChats mirrors one chat, or every chat of the authorized account.
func (s *Server) SyncChats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		res, err := s.messages.SyncConversations(r.Context(), req.ChatID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, res)
	}
}

// PostChannelMessage posts to a team channel.
func (s *Server) PostChannelMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		vars := mux.Vars(r)
		msg, err := s.messages.PostToChannel(r.Context(), vars["teamId"], vars["channelId"], req.Message)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusCreated, msg)
	}
}

// IntegrationStats summarises the whole mirror.
func (s *Server) IntegrationStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.stats.IntegrationStats(r.Context())
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, st)
	}
}

type cleanupRequest struct {
	Days int `json:"days"`
}

// Cleanup deletes mirrored messages older than the given number of days.
func (s *Server) Cleanup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := cleanupRequest{Days: queryInt(r, "days", 0)}
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		n, err := s.stats.Cleanup(r.Context(), req.Days)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"deleted": n, "days": req.Days})
	}
}
