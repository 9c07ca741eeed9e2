package services

// Publisher receives integration events. Implementations must not block the caller.
type Publisher interface {
	Publish(eventType string, data map[string]interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]interface{}) {}

func publisherOrNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

// Event types published by the services.
const (
	EventAuthConnected   = "auth.connected"
	EventAuthRevoked     = "auth.revoked"
	EventChatCreated     = "chat.created"
	EventChatUpdated     = "chat.updated"
	EventMessageSent     = "message.sent"
	EventMessagesFetched = "messages.fetched"
	EventMeetingCreated  = "meeting.created"
	EventMeetingUpdated  = "meeting.updated"
	EventMeetingDeleted  = "meeting.deleted"
	EventUsersSynced     = "users.synced"
)
