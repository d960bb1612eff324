// Package domain contains core business entities
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"encoding/json"
	"time"
)

// Channel identifies the external messaging platform an account belongs to.
const (
	ChannelInstagram = "instagram"
	ChannelFacebook  = "facebook"
	ChannelWhatsApp  = "whatsapp"
	ChannelEmail     = "email"
)

// AccountStatus constants for ChannelAccount lifecycle
const (
	AccountStatusActive   = "active"
	AccountStatusInactive = "inactive"
	AccountStatusError    = "error"
	AccountStatusPending  = "pending"
)

// ChannelAccount is one configured platform integration (one credential set).
// Exactly one account exists per external platform-account id. Accounts are
// never hard-deleted; health checks and message counters mutate them in place.
type ChannelAccount struct {
	ID                int64  `json:"id" db:"id"`
	Channel           string `json:"channel" db:"channel"`
	PlatformAccountID string `json:"platform_account_id" db:"platform_account_id"` // unique
	Username          string `json:"username" db:"username"`
	Name              string `json:"name" db:"name"`
	ProfilePictureURL string `json:"profile_picture_url" db:"profile_picture_url"`
	Biography         string `json:"biography" db:"biography"`
	Website           string `json:"website" db:"website"`
	FollowersCount    int64  `json:"followers_count" db:"followers_count"`

	AccessToken string `json:"-" db:"access_token"` // encrypted at rest, never expose in JSON
	PageID      string `json:"page_id" db:"page_id"`
	AppID       string `json:"app_id" db:"app_id"`
	AppSecret   string `json:"-" db:"app_secret"` // encrypted at rest

	VerifyToken       string `json:"-" db:"verify_token"`
	WebhookSubscribed bool   `json:"webhook_subscribed" db:"webhook_subscribed"`

	Status           string     `json:"status" db:"status"`
	IsHealthy        bool       `json:"is_healthy" db:"is_healthy"`
	LastHealthCheck  *time.Time `json:"last_health_check,omitempty" db:"last_health_check"`
	LastErrorMessage string     `json:"last_error_message,omitempty" db:"last_error_message"`

	AutoReplyEnabled    bool `json:"auto_reply_enabled" db:"auto_reply_enabled"`
	StoryRepliesEnabled bool `json:"story_replies_enabled" db:"story_replies_enabled"`

	TotalMessagesSent     int64 `json:"total_messages_sent" db:"total_messages_sent"`
	TotalMessagesReceived int64 `json:"total_messages_received" db:"total_messages_received"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// DisplayName returns the best human-readable identifier for the account.
func (a *ChannelAccount) DisplayName() string {
	if a.Username != "" {
		return "@" + a.Username
	}
	return a.PlatformAccountID
}

// ChannelUser is a remote end-user as known to one ChannelAccount.
// The (platform user id, account) pair is unique. Created lazily on first
// inbound event or outbound send target; never deleted.
type ChannelUser struct {
	ID                int64      `json:"id" db:"id"`
	AccountID         int64      `json:"account_id" db:"account_id"`
	PlatformUserID    string     `json:"platform_user_id" db:"platform_user_id"`
	Username          string     `json:"username" db:"username"`
	Name              string     `json:"name" db:"name"`
	ProfilePictureURL string     `json:"profile_picture_url" db:"profile_picture_url"`
	CustomerID        *int64     `json:"customer_id,omitempty" db:"customer_id"` // weak reference, nullable
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty" db:"last_interaction_at"`

	TotalMessagesSent     int64 `json:"total_messages_sent" db:"total_messages_sent"`
	TotalMessagesReceived int64 `json:"total_messages_received" db:"total_messages_received"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// DisplayName returns name, @username, or a truncated platform id.
func (u *ChannelUser) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	id := u.PlatformUserID
	if len(id) > 8 {
		id = id[:8]
	}
	return "User " + id
}

// ConversationStatus constants
const (
	ConversationStatusNew     = "new"
	ConversationStatusOpen    = "open"
	ConversationStatusPending = "pending"
	ConversationStatusClosed  = "closed"
)

// Conversation is the cross-channel aggregate owned by the messaging hub.
// LastMessageAt is monotonically non-decreasing and reflects the max event
// time among its messages.
type Conversation struct {
	ID              int64      `json:"id" db:"id"`
	ConversationID  string     `json:"conversation_id" db:"conversation_id"` // unique
	Channel         string     `json:"channel" db:"channel"`
	CustomerID      *int64     `json:"customer_id,omitempty" db:"customer_id"`
	ChannelUserID   int64      `json:"channel_user_id" db:"channel_user_id"`
	AssignedAgentID *int64     `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"` // unassigned is valid
	Status          string     `json:"status" db:"status"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	UnreadCount     int        `json:"unread_count" db:"unread_count"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// MessageType constants
const (
	MessageTypeText         = "text"
	MessageTypeImage        = "image"
	MessageTypeVideo        = "video"
	MessageTypeAudio        = "audio"
	MessageTypeStoryReply   = "story_reply"
	MessageTypeStoryMention = "story_mention"
	MessageTypeMediaShare   = "media_share"
	MessageTypeLike         = "like"
	MessageTypeUnsupported  = "unsupported"
)

// Direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MessageStatus constants. Transitions only ever move forward:
// pending -> sent -> delivered -> read, with failed reachable from pending
// only. A failed send is retried as a brand-new message, never resurrected.
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

var messageStatusRank = map[string]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// CanTransitionStatus reports whether a message status change is legal under
// the forward-only state machine.
func CanTransitionStatus(from, to string) bool {
	if from == MessageStatusFailed {
		return false
	}
	if to == MessageStatusFailed {
		return from == MessageStatusPending
	}
	fromRank, ok := messageStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := messageStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// ChannelMessage is one inbound or outbound message unit on a channel.
// MessageID is the locally generated unique id and doubles as the idempotency
// key against duplicate persistence. PlatformMessageID is assigned by the
// remote platform and immutable once set.
type ChannelMessage struct {
	ID                int64  `json:"id" db:"id"`
	MessageID         string `json:"message_id" db:"message_id"`                   // unique
	PlatformMessageID string `json:"platform_message_id" db:"platform_message_id"` // immutable once set

	AccountID      int64  `json:"account_id" db:"account_id"`
	ChannelUserID  int64  `json:"channel_user_id" db:"channel_user_id"`
	ConversationID *int64 `json:"conversation_id,omitempty" db:"conversation_id"`

	MessageType string `json:"message_type" db:"message_type"`
	Direction   string `json:"direction" db:"direction"`
	Status      string `json:"status" db:"status"`

	Text      string `json:"text" db:"text"`
	MediaURL  string `json:"media_url,omitempty" db:"media_url"`
	MediaType string `json:"media_type,omitempty" db:"media_type"`
	StoryID   string `json:"story_id,omitempty" db:"story_id"`
	StoryURL  string `json:"story_url,omitempty" db:"story_url"`

	Payload json.RawMessage `json:"payload,omitempty" db:"payload"` // raw platform payload, audit only

	Timestamp   time.Time  `json:"timestamp" db:"timestamp"` // platform event time
	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt      *time.Time `json:"read_at,omitempty" db:"read_at"`

	ErrorCode    string `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`
	RetryCount   int    `json:"retry_count" db:"retry_count"` // incremented by an external retry scheduler only

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// HasMedia reports whether the message carries a media attachment.
func (m *ChannelMessage) HasMedia() bool {
	return m.MediaURL != ""
}

// EventType constants for WebhookEvent classification
const (
	EventTypeMessages      = "messages"
	EventTypeMessagingSeen = "messaging_seen"
	EventTypeStoryInsights = "story_insights"
	EventTypeUnknown       = "unknown"
)

// EventStatus constants. Events transition monotonically through the
// processing state machine and are never deleted (audit trail).
const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed"
	EventStatusFailed     = "failed"
	EventStatusIgnored    = "ignored"
)

// WebhookEvent is the envelope recording one inbound webhook delivery.
// EventID is the idempotency key: derived from platform-supplied ids where
// available so true redeliveries collapse onto one row.
type WebhookEvent struct {
	ID        int64  `json:"id" db:"id"`
	EventID   string `json:"event_id" db:"event_id"` // unique
	EventType string `json:"event_type" db:"event_type"`
	AccountID int64  `json:"account_id" db:"account_id"`

	RawData       json.RawMessage `json:"raw_data" db:"raw_data"`
	ProcessedData json.RawMessage `json:"processed_data,omitempty" db:"processed_data"`

	Status       string     `json:"status" db:"status"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`

	ChannelUserID *int64 `json:"channel_user_id,omitempty" db:"channel_user_id"`
	MessageID     *int64 `json:"message_id,omitempty" db:"message_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Story holds platform story metadata referenced by story replies. Created on
// first sighting of a story_insights event; fields are not overwritten on
// repeat sightings.
type Story struct {
	ID        int64  `json:"id" db:"id"`
	StoryID   string `json:"story_id" db:"story_id"` // unique
	AccountID int64  `json:"account_id" db:"account_id"`

	StoryURL  string `json:"story_url,omitempty" db:"story_url"`
	MediaType string `json:"media_type,omitempty" db:"media_type"`
	Caption   string `json:"caption,omitempty" db:"caption"`

	ReplyCount int `json:"reply_count" db:"reply_count"`

	StoryTimestamp time.Time  `json:"story_timestamp" db:"story_timestamp"`
	ExpiresAt      time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// IsExpired reports whether the story has passed its expiration time.
func (s *Story) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// AccountInfo is the profile payload returned by an account-info fetch.
type AccountInfo struct {
	PlatformAccountID string `json:"id"`
	Username          string `json:"username"`
	Name              string `json:"name"`
	Biography         string `json:"biography"`
	Website           string `json:"website"`
	FollowersCount    int64  `json:"followers_count"`
	ProfilePictureURL string `json:"profile_picture_url"`
}

// UserProfile is the profile payload returned by a user-profile fetch.
type UserProfile struct {
	PlatformUserID    string `json:"id"`
	Username          string `json:"username"`
	Name              string `json:"name"`
	ProfilePictureURL string `json:"profile_picture_url"`
}

// OutboundContent is the normalized content of an outbound send.
// Exactly one of Text or MediaURL is expected to be set.
type OutboundContent struct {
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"` // image, video, audio
}

// MessageTypeFor returns the message type implied by the content.
func (c OutboundContent) MessageTypeFor() string {
	if c.MediaURL == "" {
		return MessageTypeText
	}
	switch c.MediaType {
	case "image":
		return MessageTypeImage
	case "video":
		return MessageTypeVideo
	case "audio":
		return MessageTypeAudio
	default:
		return MessageTypeUnsupported
	}
}
