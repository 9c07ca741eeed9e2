package graph

// User is a directory user as returned by /users and /me.
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName,omitempty"`
	Mail              string `json:"mail,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
}

// userPage is one page of a /users listing.
type userPage struct {
	Value    []User `json:"value"`
	NextLink string `json:"@odata.nextLink,omitempty"`
}

// Chat is a Teams chat.
type Chat struct {
	ID                  string `json:"id"`
	Topic               string `json:"topic,omitempty"`
	ChatType            string `json:"chatType,omitempty"`
	CreatedDateTime     string `json:"createdDateTime,omitempty"`
	LastUpdatedDateTime string `json:"lastUpdatedDateTime,omitempty"`
	WebURL              string `json:"webUrl,omitempty"`
}

type chatList struct {
	Value []Chat `json:"value"`
}

// ChatMember is a member of a chat. UserID is the directory object id.
type ChatMember struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

type memberList struct {
	Value []ChatMember `json:"value"`
}

// conversationMember is the payload used to add a directory user to a chat.
type conversationMember struct {
	ODataType string   `json:"@odata.type"`
	Roles     []string `json:"roles"`
	UserBind  string   `json:"user@odata.bind"`
}

const aadUserConversationMember = "#microsoft.graph.aadUserConversationMember"

type createChatRequest struct {
	ChatType string               `json:"chatType"`
	Topic    string               `json:"topic,omitempty"`
	Members  []conversationMember `json:"members"`
}

// ItemBody is a message body.
type ItemBody struct {
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content"`
}

// Identity identifies a user or application.
type Identity struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// IdentitySet groups the identities attached to an actor.
type IdentitySet struct {
	User        *Identity `json:"user,omitempty"`
	Application *Identity `json:"application,omitempty"`
}

// ChatMessage is a message in a chat or channel.
type ChatMessage struct {
	ID              string       `json:"id"`
	CreatedDateTime string       `json:"createdDateTime,omitempty"`
	MessageType     string       `json:"messageType,omitempty"`
	Body            ItemBody     `json:"body"`
	From            *IdentitySet `json:"from,omitempty"`
}

// SenderID returns the sending user's id, if any.
func (m *ChatMessage) SenderID() string {
	if m.From != nil && m.From.User != nil {
		return m.From.User.ID
	}
	return ""
}

// SenderName returns the sending user's display name, if any.
func (m *ChatMessage) SenderName() string {
	if m.From != nil && m.From.User != nil {
		return m.From.User.DisplayName
	}
	return ""
}

type messageList struct {
	Value []ChatMessage `json:"value"`
}

type messageRequest struct {
	Body ItemBody `json:"body"`
}

// MeetingParticipant is an attendee or organizer of an online meeting.
type MeetingParticipant struct {
	Identity IdentitySet `json:"identity"`
	UPN      string      `json:"upn,omitempty"`
	Role     string      `json:"role,omitempty"`
}

// UserID returns the participant's directory id.
func (p MeetingParticipant) UserID() string {
	if p.Identity.User != nil {
		return p.Identity.User.ID
	}
	return ""
}

// AttendeeFor builds an attendee entry for a directory user.
func AttendeeFor(userID string) MeetingParticipant {
	return MeetingParticipant{Identity: IdentitySet{User: &Identity{ID: userID}}}
}

// MeetingParticipants lists a meeting's organizer and attendees.
type MeetingParticipants struct {
	Organizer *MeetingParticipant `json:"organizer,omitempty"`
	Attendees []MeetingParticipant `json:"attendees"`
}

// OnlineMeeting is a scheduled Teams meeting.
type OnlineMeeting struct {
	ID            string               `json:"id"`
	Subject       string               `json:"subject,omitempty"`
	StartDateTime string               `json:"startDateTime,omitempty"`
	EndDateTime   string               `json:"endDateTime,omitempty"`
	JoinURL       string               `json:"joinUrl,omitempty"`
	JoinWebURL    string               `json:"joinWebUrl,omitempty"`
	Participants  *MeetingParticipants `json:"participants,omitempty"`
}

// Link returns the URL attendees use to join.
func (m *OnlineMeeting) Link() string {
	if m.JoinWebURL != "" {
		return m.JoinWebURL
	}
	return m.JoinURL
}

// Attendees returns the meeting's attendee list, never nil.
func (m *OnlineMeeting) Attendees() []MeetingParticipant {
	if m.Participants == nil || m.Participants.Attendees == nil {
		return []MeetingParticipant{}
	}
	return m.Participants.Attendees
}

type meetingList struct {
	Value []OnlineMeeting `json:"value"`
}

// MeetingRequest creates an online meeting. Times are UTC RFC 3339 strings.
type MeetingRequest struct {
	Subject       string               `json:"subject"`
	StartDateTime string               `json:"startDateTime"`
	EndDateTime   string               `json:"endDateTime"`
	Participants  *MeetingParticipants `json:"participants,omitempty"`
}

// MeetingPatch updates an online meeting. Nil fields are left unchanged.
type MeetingPatch struct {
	Subject       *string              `json:"subject,omitempty"`
	StartDateTime *string              `json:"startDateTime,omitempty"`
	EndDateTime   *string              `json:"endDateTime,omitempty"`
	Participants  *MeetingParticipants `json:"participants,omitempty"`
}
