package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"teamsbridge/internal/services"
)

type userRequest struct {
	FullName string `json:"full_name"`
}

// UpsertUser creates or renames the local user with the path email.
func (s *Server) UpsertUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userRequest
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		u, err := s.identity.UpsertUser(r.Context(), mux.Vars(r)["email"], req.FullName)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, u)
	}
}

// SyncUsers resolves every local user against the directory.
func (s *Server) SyncUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.identity.BulkSync(r.Context())
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, res)
	}
}

// UpsertDocument saves a document and replaces its participants.
func (s *Server) UpsertDocument() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields services.DocumentFields
		if err := decodeBody(r, &fields); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		vars := mux.Vars(r)
		doc, err := s.documents.Upsert(r.Context(), vars["kind"], vars["name"], fields)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, doc)
	}
}

type chatRequest struct {
	ActingEmail string `json:"acting_email"`
}

// CreateChat creates the document's group chat or adds missing members to it.
func (s *Server) CreateChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		vars := mux.Vars(r)
		res, err := s.chats.CreateOrUpdateChat(r.Context(), vars["kind"], vars["name"], req.ActingEmail)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		s.Respond(w, r, status, res)
	}
}

// CreateMeeting creates the document's online meeting or adds missing attendees to it.
func (s *Server) CreateMeeting() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		res, err := s.meetings.CreateOrUpdateMeeting(r.Context(), vars["kind"], vars["name"])
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		s.Respond(w, r, status, res)
	}
}

// MeetingDetails returns the linked meeting.
func (s *Server) MeetingDetails() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		m, err := s.meetings.MeetingDetails(r.Context(), vars["kind"], vars["name"])
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, m)
	}
}

// DeleteMeeting cancels the linked meeting.
func (s *Server) DeleteMeeting() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := s.meetings.DeleteMeeting(r.Context(), vars["kind"], vars["name"]); err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"details": "meeting deleted"})
	}
}

type rescheduleRequest struct {
	StartsOn string `json:"starts_on"`
	EndsOn   string `json:"ends_on"`
}

// RescheduleMeeting moves the linked meeting.
func (s *Server) RescheduleMeeting() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rescheduleRequest
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		vars := mux.Vars(r)
		m, err := s.meetings.RescheduleMeeting(r.Context(), vars["kind"], vars["name"], req.StartsOn, req.EndsOn)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, m)
	}
}

// MeetingAttendees lists the linked meeting's attendees.
func (s *Server) MeetingAttendees() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		attendees, err := s.meetings.Attendees(r.Context(), vars["kind"], vars["name"])
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		if attendees == nil {
			attendees = []services.Attendee{}
		}
		s.Respond(w, r, http.StatusOK, attendees)
	}
}

type validateTimeRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ValidateMeetingTime checks a proposed meeting window.
func (s *Server) ValidateMeetingTime() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validateTimeRequest
		if err := decodeBody(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not decode payload")
			return
		}
		start, err := s.meetings.ParseMeetingTime(req.Start)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		end, err := s.meetings.ParseMeetingTime(req.End)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		if err := s.meetings.ValidateMeetingTime(start, end); err != nil {
			s.Respond(w, r, http.StatusOK, map[string]interface{}{"valid": false, "message": err.Error()})
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"valid": true})
	}
}
