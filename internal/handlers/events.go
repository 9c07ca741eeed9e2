package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// DeliveryStatus reports the event delivery manager's state.
func (s *Server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.events == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Delivery manager not initialized")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":  s.events.Status(),
			"pending": s.events.Pending(queryInt(r, "limit", 50)),
		})
	}
}

// EventStatus returns one pending event.
func (s *Server) EventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.events == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Delivery manager not initialized")
			return
		}
		event, ok := s.events.Get(mux.Vars(r)["eventId"])
		if !ok {
			s.Respond(w, r, http.StatusNotFound, "Event not found or already completed")
			return
		}
		s.Respond(w, r, http.StatusOK, event)
	}
}

// ForceRetry retries one pending event, or all of them.
func (s *Server) ForceRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.events == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Delivery manager not initialized")
			return
		}
		eventID := mux.Vars(r)["eventId"]
		if eventID == "" {
			n := s.events.RetryPending()
			s.Respond(w, r, http.StatusOK, map[string]interface{}{"details": "Retry triggered for pending events", "retried": n})
			return
		}
		if !s.events.Retry(eventID) {
			s.Respond(w, r, http.StatusNotFound, "Event not found")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"details": "Retry triggered for event: " + eventID})
	}
}
