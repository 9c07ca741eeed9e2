package events

import "teamsbridge/internal/services"

// SupportedEventTypes lists every event the services publish.
var SupportedEventTypes = []string{
	// Authorization
	services.EventAuthConnected,
	services.EventAuthRevoked,

	// Chats and messages
	services.EventChatCreated,
	services.EventChatUpdated,
	services.EventMessageSent,
	services.EventMessagesFetched,

	// Meetings
	services.EventMeetingCreated,
	services.EventMeetingUpdated,
	services.EventMeetingDeleted,

	// Directory
	services.EventUsersSynced,
}

var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range SupportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

// IsValidEventType reports whether eventType is one the services publish.
func IsValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}
