// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"encoding/json"
	"time"

	"omnihub/internal/core/domain"
)

// AccountRepository handles ChannelAccount persistence.
type AccountRepository interface {
	// GetByID retrieves an account by database id. Returns ErrNotFound when absent.
	GetByID(ctx context.Context, id int64) (*domain.ChannelAccount, error)

	// GetByPlatformAccountID resolves the account owning an external
	// platform-account id (used to route webhook deliveries).
	GetByPlatformAccountID(ctx context.Context, platformAccountID string) (*domain.ChannelAccount, error)

	// GetByVerifyToken resolves the account whose stored verify-token matches
	// the webhook handshake token.
	GetByVerifyToken(ctx context.Context, token string) (*domain.ChannelAccount, error)

	// ListAll returns every account. Used by the startup credential
	// migration.
	ListAll(ctx context.Context) ([]*domain.ChannelAccount, error)

	// UpdateCredentials rewrites the stored access token and app secret,
	// e.g. after encrypting legacy plaintext values.
	UpdateCredentials(ctx context.Context, id int64, accessToken, appSecret string) error

	// UpdateHealth records a health-check outcome: healthy flag, status,
	// last error message, and the check timestamp.
	UpdateHealth(ctx context.Context, id int64, healthy bool, status, errorMessage string) error

	// UpdateProfile refreshes the cached profile fields fetched during a
	// health check (username, name, biography, website, followers, avatar).
	UpdateProfile(ctx context.Context, id int64, info *domain.AccountInfo) error

	// IncrementSent / IncrementReceived bump the message counters with an
	// atomic SQL increment, never read-modify-write.
	IncrementSent(ctx context.Context, id int64) error
	IncrementReceived(ctx context.Context, id int64) error
}

// UserRepository handles ChannelUser persistence.
type UserRepository interface {
	// GetByPlatformUserID looks up a user by (account, platform user id).
	// Returns ErrNotFound when absent.
	GetByPlatformUserID(ctx context.Context, accountID int64, platformUserID string) (*domain.ChannelUser, error)

	// Create inserts a new user row; the (platform user id, account) unique
	// key tolerates concurrent creation races.
	Create(ctx context.Context, user *domain.ChannelUser) error

	// UpdateProfile stores enrichment data fetched from the platform.
	UpdateProfile(ctx context.Context, id int64, profile *domain.UserProfile) error

	// LinkCustomer sets or clears the weak customer reference.
	LinkCustomer(ctx context.Context, id int64, customerID *int64) error

	// IncrementSent / IncrementReceived bump counters atomically and update
	// the last-interaction timestamp.
	IncrementSent(ctx context.Context, id int64, at time.Time) error
	IncrementReceived(ctx context.Context, id int64, at time.Time) error
}

// MessageRepository handles ChannelMessage persistence.
type MessageRepository interface {
	// Create inserts the message row. MessageID uniqueness is the
	// idempotency guard against duplicate persistence: a collision returns
	// ErrDuplicateMessage so the caller can skip the message's side effects.
	Create(ctx context.Context, msg *domain.ChannelMessage) error

	// GetByMessageID retrieves a message by its local id.
	GetByMessageID(ctx context.Context, messageID string) (*domain.ChannelMessage, error)

	// MarkSent transitions pending -> sent, capturing the platform message id
	// and sent timestamp. The update is conditional on current status so a
	// stale writer cannot regress the state machine.
	MarkSent(ctx context.Context, messageID, platformMessageID string, at time.Time) error

	// MarkFailed transitions pending -> failed with the captured error.
	MarkFailed(ctx context.Context, messageID, errorCode, errorMessage string) error

	// MarkReadUpTo applies a read watermark: all outbound messages to the
	// given user with status in {sent, delivered} and event time at or below
	// the watermark become read. Returns the number of rows updated.
	MarkReadUpTo(ctx context.Context, accountID, channelUserID int64, watermark time.Time) (int64, error)
}

// EventRepository handles the WebhookEvent audit trail.
type EventRepository interface {
	// Create persists the event envelope. Returns ErrDuplicateEvent when the
	// event id is already recorded; this is the processing idempotency
	// boundary.
	Create(ctx context.Context, event *domain.WebhookEvent) error

	// MarkProcessing flags the event as being handled. Best effort: a
	// failure here must not abort processing.
	MarkProcessing(ctx context.Context, eventID string) error

	// MarkProcessed finishes the event, recording derived data and links to
	// the user/message it produced.
	MarkProcessed(ctx context.Context, eventID string, processedData json.RawMessage, userID, messageID *int64) error

	// MarkIgnored records an unrecognized-but-valid event. Not an error.
	MarkIgnored(ctx context.Context, eventID string) error

	// MarkFailed records a processing failure without propagating it.
	MarkFailed(ctx context.Context, eventID, errorMessage string) error

	// PurgeProcessedBefore deletes processed/ignored events older than the
	// cutoff, up to limit rows. Used by the retention watchdog only.
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// StoryRepository handles Story persistence.
type StoryRepository interface {
	// CreateIfAbsent inserts the story on first sighting. Repeat sightings
	// are informational only: no field is overwritten. Returns whether a row
	// was created.
	CreateIfAbsent(ctx context.Context, story *domain.Story) (bool, error)

	// IncrementReplyCount bumps the reply counter atomically.
	IncrementReplyCount(ctx context.Context, storyID string) error
}

// ConversationSync mirrors a channel-specific message into the cross-channel
// Conversation aggregate: get-or-create the open conversation for the user,
// advance the monotonic last-message timestamp, and maintain the unread
// counter.
type ConversationSync interface {
	SyncToConversation(ctx context.Context, msg *domain.ChannelMessage) (*domain.Conversation, error)
}

// DedupRepository is the fast-path duplicate check in front of the durable
// event-id unique constraint. TTL-bounded cache semantics.
type DedupRepository interface {
	IsDuplicate(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// RateLimiter tracks the per-(account, endpoint) fixed-window call budget.
// Implementations must update window state with an atomic read-modify-write
// per key: concurrent callers must not both pass the limit on a stale count.
type RateLimiter interface {
	CanCall(ctx context.Context, accountID int64, endpoint string) (bool, error)
	RecordCall(ctx context.Context, accountID int64, endpoint string) error
	WaitSeconds(ctx context.Context, accountID int64, endpoint string) (int, error)
}

// ChannelGateway is the per-channel capability interface: one generic
// pipeline is parameterized by a gateway variant per platform instead of
// copy-pasted channel modules. All calls are rate-limit gated and translate
// remote failures into RateLimitedError / ChannelAPIError.
type ChannelGateway interface {
	// Channel names the platform this gateway serves.
	Channel() string

	// GetAccountInfo performs a read-only account-profile fetch.
	GetAccountInfo(ctx context.Context, account *domain.ChannelAccount) (*domain.AccountInfo, error)

	// GetUserProfile fetches a platform user's public profile.
	GetUserProfile(ctx context.Context, account *domain.ChannelAccount, platformUserID string) (*domain.UserProfile, error)

	// SendMessage delivers outbound content and returns the
	// platform-assigned message id.
	SendMessage(ctx context.Context, account *domain.ChannelAccount, recipientID string, content domain.OutboundContent) (string, error)

	// GetConversations / GetConversationMessages fetch remote thread state
	// for backfill sync.
	GetConversations(ctx context.Context, account *domain.ChannelAccount, limit int) (json.RawMessage, error)
	GetConversationMessages(ctx context.Context, account *domain.ChannelAccount, conversationID string, limit int) (json.RawMessage, error)

	// SubscribeWebhook registers the callback URL for webhook delivery.
	SubscribeWebhook(ctx context.Context, account *domain.ChannelAccount, callbackURL, verifyToken string) error
}

// Notifier fans out newly created inbound messages to connected agent
// sessions. Fire-and-forget publish contract, no delivery guarantees.
type Notifier interface {
	Publish(ctx context.Context, group string, event any) error
}

// CustomerMatcher links a ChannelUser to a local Customer record. Invoked
// after message persistence; failures are non-fatal to processing.
type CustomerMatcher interface {
	MatchOrLink(ctx context.Context, user *domain.ChannelUser) (*int64, error)
}
