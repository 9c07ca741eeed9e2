package models

import (
	"time"
)

// TimestampLayout is how mirrored message times are displayed.
const TimestampLayout = "2006-01-02 15:04:05"

// Message directions.
const (
	DirectionInbound  = "Inbound"
	DirectionOutbound = "Outbound"
)

// CredentialID is the primary key of the single credential row.
const CredentialID = 1

// Credential holds the OAuth client configuration and the current token pair.
// There is one row per installation. AccessToken and RefreshToken are either both empty or both set.
type Credential struct {
	ID              uint   `gorm:"primaryKey"`
	ClientID        string `gorm:"comment:OAuth application (client) id"`
	ClientSecret    string
	TenantID        string
	RedirectURI     string
	AccessToken     string `gorm:"type:text"`
	RefreshToken    string `gorm:"type:text"`
	TokenExpiry     *time.Time
	OwnerEmail      string
	OwnerExternalID string
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// HasTokens reports whether an authorization has been completed.
func (c *Credential) HasTokens() bool {
	return c != nil && c.AccessToken != "" && c.RefreshToken != ""
}

// User is a local user account. ExternalID caches the provider's directory object id.
type User struct {
	ID         uint   `gorm:"primaryKey"`
	Email      string `gorm:"uniqueIndex;size:320"`
	FullName   string
	ExternalID string    `gorm:"index;size:64;comment:directory object id, empty until resolved"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// Document is a business record a chat or meeting hangs off.
type Document struct {
	ID           uint   `gorm:"primaryKey"`
	Kind         string `gorm:"uniqueIndex:idx_document_kind_name;size:32"`
	Name         string `gorm:"uniqueIndex:idx_document_kind_name;size:191"`
	Subject      string
	StartsOn     *time.Time
	EndsOn       *time.Time
	ChatID       string                `gorm:"size:191"`
	MeetingID    string                `gorm:"type:text"`
	MeetingURL   string                `gorm:"type:text"`
	Participants []DocumentParticipant `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time             `gorm:"autoCreateTime"`
	UpdatedAt    time.Time             `gorm:"autoUpdateTime"`
}

// DocumentParticipant is one entry of a document's participant list.
// UserEmail links to a local user when the participant has an account.
type DocumentParticipant struct {
	ID         uint   `gorm:"primaryKey"`
	DocumentID uint   `gorm:"index"`
	Email      string `gorm:"size:320"`
	UserEmail  string `gorm:"size:320"`
}

// Conversation records a provider chat created for a document. ChatID never changes once set.
type Conversation struct {
	ID           uint   `gorm:"primaryKey"`
	ChatID       string `gorm:"uniqueIndex;size:191"`
	DocumentKind string `gorm:"index:idx_conversation_document;size:32"`
	DocumentName string `gorm:"index:idx_conversation_document;size:191"`
	LastSynced   *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// ChatMessage is a locally mirrored chat message. MessageID is unique across all chats.
type ChatMessage struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	MessageID     string    `gorm:"uniqueIndex;size:191" json:"message_id"`
	ChatID        string    `gorm:"index;size:191" json:"chat_id"`
	SenderID      string    `gorm:"size:64" json:"sender_id"`
	SenderDisplay string    `json:"sender_name"`
	Body          string    `gorm:"type:text" json:"body"`
	SentAt        time.Time `gorm:"index" json:"sent_at"`
	Direction     string    `gorm:"size:16" json:"direction"`
	DocumentKind  string    `gorm:"size:32" json:"document_kind,omitempty"`
	DocumentName  string    `gorm:"size:191" json:"document_name,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SentAtDisplay returns SentAt in TimestampLayout.
func (m ChatMessage) SentAtDisplay() string {
	return m.SentAt.UTC().Format(TimestampLayout)
}

// OAuthState is a pending sign-in. The state value is sent to the identity provider and
// redeemed once by the callback. DocumentKind and DocumentName are empty for the settings flow.
type OAuthState struct {
	State        string    `gorm:"primaryKey;size:64"`
	DocumentKind string    `gorm:"size:32"`
	DocumentName string    `gorm:"size:191"`
	ExpiresAt    time.Time `gorm:"index"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Credential{},
		&User{},
		&Document{},
		&DocumentParticipant{},
		&Conversation{},
		&ChatMessage{},
		&OAuthState{},
	}
}
