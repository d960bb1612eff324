// Package repository implements data persistence adapters
// Following Hexagonal Architecture: Adapters implement ports defined in core
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"omnihub/internal/core/domain"
	"omnihub/internal/core/ports"
)

var (
	_ ports.AccountRepository = (*AccountRepo)(nil)
	_ ports.UserRepository    = (*UserRepo)(nil)
	_ ports.MessageRepository = (*MessageRepo)(nil)
	_ ports.EventRepository   = (*EventRepo)(nil)
	_ ports.StoryRepository   = (*StoryRepo)(nil)
	_ ports.ConversationSync  = (*ConversationStore)(nil)
	_ ports.CustomerMatcher   = (*ConversationStore)(nil)
)

const mysqlDuplicateEntry = 1062

// isDuplicate reports whether err is a unique-constraint violation.
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// ============================================================================
// AccountRepo
// ============================================================================

// AccountRepo persists ChannelAccount rows in MariaDB.
type AccountRepo struct {
	db *sql.DB
}

// NewAccountRepo creates an account repository.
func NewAccountRepo(db *sql.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

const accountColumns = `
	id, channel, platform_account_id, username, name, profile_picture_url,
	biography, website, followers_count, access_token, page_id, app_id,
	app_secret, verify_token, webhook_subscribed, status, is_healthy,
	last_health_check, last_error_message, auto_reply_enabled,
	story_replies_enabled, total_messages_sent, total_messages_received,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.ChannelAccount, error) {
	var a domain.ChannelAccount
	err := row.Scan(
		&a.ID, &a.Channel, &a.PlatformAccountID, &a.Username, &a.Name,
		&a.ProfilePictureURL, &a.Biography, &a.Website, &a.FollowersCount,
		&a.AccessToken, &a.PageID, &a.AppID, &a.AppSecret, &a.VerifyToken,
		&a.WebhookSubscribed, &a.Status, &a.IsHealthy, &a.LastHealthCheck,
		&a.LastErrorMessage, &a.AutoReplyEnabled, &a.StoryRepliesEnabled,
		&a.TotalMessagesSent, &a.TotalMessagesReceived, &a.CreatedAt,
		&a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// GetByID retrieves an account by database id.
func (r *AccountRepo) GetByID(ctx context.Context, id int64) (*domain.ChannelAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM channel_accounts WHERE id = ?`
	return scanAccount(r.db.QueryRowContext(ctx, query, id))
}

// GetByPlatformAccountID resolves the account owning an external platform id.
func (r *AccountRepo) GetByPlatformAccountID(ctx context.Context, platformAccountID string) (*domain.ChannelAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM channel_accounts WHERE platform_account_id = ?`
	return scanAccount(r.db.QueryRowContext(ctx, query, platformAccountID))
}

// GetByVerifyToken resolves the account whose verify token matches.
func (r *AccountRepo) GetByVerifyToken(ctx context.Context, token string) (*domain.ChannelAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM channel_accounts WHERE verify_token = ?`
	return scanAccount(r.db.QueryRowContext(ctx, query, token))
}

// ListAll returns every account. Used by the startup credential migration.
func (r *AccountRepo) ListAll(ctx context.Context) ([]*domain.ChannelAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM channel_accounts ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.ChannelAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateCredentials rewrites the stored access token and app secret.
func (r *AccountRepo) UpdateCredentials(ctx context.Context, id int64, accessToken, appSecret string) error {
	query := `UPDATE channel_accounts SET access_token = ?, app_secret = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, accessToken, appSecret, id); err != nil {
		return fmt.Errorf("update account credentials: %w", err)
	}
	return nil
}

// UpdateHealth records a health-check outcome.
func (r *AccountRepo) UpdateHealth(ctx context.Context, id int64, healthy bool, status, errorMessage string) error {
	query := `
		UPDATE channel_accounts
		SET is_healthy = ?, status = ?, last_error_message = ?,
			last_health_check = NOW(), updated_at = NOW()
		WHERE id = ?
	`
	if _, err := r.db.ExecContext(ctx, query, healthy, status, errorMessage, id); err != nil {
		return fmt.Errorf("update account health: %w", err)
	}
	return nil
}

// UpdateProfile refreshes the cached profile fields from a health check.
func (r *AccountRepo) UpdateProfile(ctx context.Context, id int64, info *domain.AccountInfo) error {
	query := `
		UPDATE channel_accounts
		SET username = ?, name = ?, biography = ?, website = ?,
			followers_count = ?, profile_picture_url = ?, updated_at = NOW()
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		info.Username, info.Name, info.Biography, info.Website,
		info.FollowersCount, info.ProfilePictureURL, id,
	)
	if err != nil {
		return fmt.Errorf("update account profile: %w", err)
	}
	return nil
}

// IncrementSent bumps the sent counter atomically in SQL.
func (r *AccountRepo) IncrementSent(ctx context.Context, id int64) error {
	query := `UPDATE channel_accounts SET total_messages_sent = total_messages_sent + 1 WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("increment account sent: %w", err)
	}
	return nil
}

// IncrementReceived bumps the received counter atomically in SQL.
func (r *AccountRepo) IncrementReceived(ctx context.Context, id int64) error {
	query := `UPDATE channel_accounts SET total_messages_received = total_messages_received + 1 WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("increment account received: %w", err)
	}
	return nil
}

// ============================================================================
// UserRepo
// ============================================================================

// UserRepo persists ChannelUser rows in MariaDB.
type UserRepo struct {
	db *sql.DB
}

// NewUserRepo creates a user repository.
func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetByPlatformUserID looks up a user by (account, platform user id).
func (r *UserRepo) GetByPlatformUserID(ctx context.Context, accountID int64, platformUserID string) (*domain.ChannelUser, error) {
	query := `
		SELECT id, account_id, platform_user_id, username, name,
			   profile_picture_url, customer_id, last_interaction_at,
			   total_messages_sent, total_messages_received, created_at,
			   updated_at
		FROM channel_users
		WHERE account_id = ? AND platform_user_id = ?
	`
	var u domain.ChannelUser
	err := r.db.QueryRowContext(ctx, query, accountID, platformUserID).Scan(
		&u.ID, &u.AccountID, &u.PlatformUserID, &u.Username, &u.Name,
		&u.ProfilePictureURL, &u.CustomerID, &u.LastInteractionAt,
		&u.TotalMessagesSent, &u.TotalMessagesReceived, &u.CreatedAt,
		&u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel user: %w", err)
	}
	return &u, nil
}

// Create inserts a new user row; (account_id, platform_user_id) is unique so
// a concurrent creation race surfaces as a duplicate-entry error for the
// caller to resolve with a re-read.
func (r *UserRepo) Create(ctx context.Context, user *domain.ChannelUser) error {
	query := `
		INSERT INTO channel_users (
			account_id, platform_user_id, username, name,
			profile_picture_url, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		user.AccountID, user.PlatformUserID, user.Username, user.Name,
		user.ProfilePictureURL, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create channel user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("channel user insert id: %w", err)
	}
	user.ID = id
	return nil
}

// UpdateProfile stores profile enrichment data.
func (r *UserRepo) UpdateProfile(ctx context.Context, id int64, profile *domain.UserProfile) error {
	query := `
		UPDATE channel_users
		SET username = ?, name = ?, profile_picture_url = ?, updated_at = NOW()
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query, profile.Username, profile.Name, profile.ProfilePictureURL, id)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

// LinkCustomer sets or clears the weak customer reference.
func (r *UserRepo) LinkCustomer(ctx context.Context, id int64, customerID *int64) error {
	query := `UPDATE channel_users SET customer_id = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, customerID, id); err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	return nil
}

// column is one of two fixed literals, never user input.
func (r *UserRepo) incrementCounter(ctx context.Context, column string, id int64, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE channel_users
		SET %s = %s + 1, last_interaction_at = ?, updated_at = NOW()
		WHERE id = ?
	`, column, column)
	if _, err := r.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("increment user %s: %w", column, err)
	}
	return nil
}

// IncrementSent bumps the sent counter and last-interaction timestamp.
func (r *UserRepo) IncrementSent(ctx context.Context, id int64, at time.Time) error {
	return r.incrementCounter(ctx, "total_messages_sent", id, at)
}

// IncrementReceived bumps the received counter and last-interaction timestamp.
func (r *UserRepo) IncrementReceived(ctx context.Context, id int64, at time.Time) error {
	return r.incrementCounter(ctx, "total_messages_received", id, at)
}

// ============================================================================
// MessageRepo
// ============================================================================

// MessageRepo persists ChannelMessage rows in MariaDB.
type MessageRepo struct {
	db *sql.DB
}

// NewMessageRepo creates a message repository.
func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create inserts the message row; message_id uniqueness is the guard against
// duplicate persistence. A duplicate insert surfaces as ErrDuplicateMessage
// so the caller skips the message's side effects.
func (r *MessageRepo) Create(ctx context.Context, msg *domain.ChannelMessage) error {
	query := `
		INSERT INTO channel_messages (
			message_id, platform_message_id, account_id, channel_user_id,
			conversation_id, message_type, direction, status, text,
			media_url, media_type, story_id, story_url, payload,
			timestamp, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	payload := msg.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	result, err := r.db.ExecContext(ctx, query,
		msg.MessageID, msg.PlatformMessageID, msg.AccountID,
		msg.ChannelUserID, msg.ConversationID, msg.MessageType,
		msg.Direction, msg.Status, msg.Text, msg.MediaURL, msg.MediaType,
		msg.StoryID, msg.StoryURL, []byte(payload), msg.Timestamp,
		msg.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return domain.ErrDuplicateMessage
		}
		return fmt.Errorf("save message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("message insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// GetByMessageID retrieves a message by its local id.
func (r *MessageRepo) GetByMessageID(ctx context.Context, messageID string) (*domain.ChannelMessage, error) {
	query := `
		SELECT id, message_id, platform_message_id, account_id,
			   channel_user_id, conversation_id, message_type, direction,
			   status, text, media_url, media_type, story_id, story_url,
			   payload, timestamp, sent_at, delivered_at, read_at,
			   error_code, error_message, retry_count, created_at, updated_at
		FROM channel_messages
		WHERE message_id = ?
	`
	var m domain.ChannelMessage
	var payload []byte
	err := r.db.QueryRowContext(ctx, query, messageID).Scan(
		&m.ID, &m.MessageID, &m.PlatformMessageID, &m.AccountID,
		&m.ChannelUserID, &m.ConversationID, &m.MessageType, &m.Direction,
		&m.Status, &m.Text, &m.MediaURL, &m.MediaType, &m.StoryID,
		&m.StoryURL, &payload, &m.Timestamp, &m.SentAt, &m.DeliveredAt,
		&m.ReadAt, &m.ErrorCode, &m.ErrorMessage, &m.RetryCount,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.Payload = json.RawMessage(payload)
	return &m, nil
}

// MarkSent transitions pending -> sent. The WHERE clause makes the update
// conditional on current status, so a stale writer cannot regress the state
// machine, and the platform id is only ever written once.
func (r *MessageRepo) MarkSent(ctx context.Context, messageID, platformMessageID string, at time.Time) error {
	query := `
		UPDATE channel_messages
		SET status = ?, platform_message_id = ?, sent_at = ?, updated_at = NOW()
		WHERE message_id = ? AND status = ? AND platform_message_id = ''
	`
	result, err := r.db.ExecContext(ctx, query,
		domain.MessageStatusSent, platformMessageID, at,
		messageID, domain.MessageStatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		slog.Warn("Stale sent transition ignored", "message_id", messageID)
	}
	return nil
}

// MarkFailed transitions pending -> failed with the captured error.
func (r *MessageRepo) MarkFailed(ctx context.Context, messageID, errorCode, errorMessage string) error {
	query := `
		UPDATE channel_messages
		SET status = ?, error_code = ?, error_message = ?, updated_at = NOW()
		WHERE message_id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		domain.MessageStatusFailed, errorCode, errorMessage,
		messageID, domain.MessageStatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		slog.Warn("Stale failed transition ignored", "message_id", messageID)
	}
	return nil
}

// MarkReadUpTo applies a read watermark to outbound messages for one user.
func (r *MessageRepo) MarkReadUpTo(ctx context.Context, accountID, channelUserID int64, watermark time.Time) (int64, error) {
	query := `
		UPDATE channel_messages
		SET status = ?, read_at = NOW(), updated_at = NOW()
		WHERE account_id = ? AND channel_user_id = ? AND direction = ?
		  AND status IN (?, ?) AND timestamp <= ?
	`
	result, err := r.db.ExecContext(ctx, query,
		domain.MessageStatusRead, accountID, channelUserID,
		domain.DirectionOutbound, domain.MessageStatusSent,
		domain.MessageStatusDelivered, watermark,
	)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// ============================================================================
// EventRepo
// ============================================================================

// EventRepo persists the WebhookEvent audit trail in MariaDB.
type EventRepo struct {
	db *sql.DB
}

// NewEventRepo creates an event repository.
func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Create persists the webhook event envelope. The unique key on event_id is
// the durable idempotency boundary.
func (r *EventRepo) Create(ctx context.Context, event *domain.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (
			event_id, event_type, account_id, raw_data, status, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		event.EventID, event.EventType, event.AccountID,
		[]byte(event.RawData), event.Status, event.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return domain.ErrDuplicateEvent
		}
		return fmt.Errorf("save webhook event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("webhook event insert id: %w", err)
	}
	event.ID = id
	return nil
}

// MarkProcessing flags the event as being handled.
func (r *EventRepo) MarkProcessing(ctx context.Context, eventID string) error {
	query := `UPDATE webhook_events SET status = ? WHERE event_id = ?`
	if _, err := r.db.ExecContext(ctx, query, domain.EventStatusProcessing, eventID); err != nil {
		return fmt.Errorf("mark event processing: %w", err)
	}
	return nil
}

// MarkProcessed finishes the event with derived data and produced links.
func (r *EventRepo) MarkProcessed(ctx context.Context, eventID string, processedData json.RawMessage, userID, messageID *int64) error {
	if processedData == nil {
		processedData = json.RawMessage("{}")
	}
	query := `
		UPDATE webhook_events
		SET status = ?, processed_at = NOW(), processed_data = ?,
			channel_user_id = ?, message_id = ?
		WHERE event_id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		domain.EventStatusProcessed, []byte(processedData), userID, messageID, eventID,
	)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// MarkIgnored records an unrecognized-but-valid event.
func (r *EventRepo) MarkIgnored(ctx context.Context, eventID string) error {
	query := `UPDATE webhook_events SET status = ?, processed_at = NOW() WHERE event_id = ?`
	if _, err := r.db.ExecContext(ctx, query, domain.EventStatusIgnored, eventID); err != nil {
		return fmt.Errorf("mark event ignored: %w", err)
	}
	return nil
}

// MarkFailed records a processing failure on the event row.
func (r *EventRepo) MarkFailed(ctx context.Context, eventID, errorMessage string) error {
	query := `UPDATE webhook_events SET status = ?, error_message = ? WHERE event_id = ?`
	if _, err := r.db.ExecContext(ctx, query, domain.EventStatusFailed, errorMessage, eventID); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

// PurgeProcessedBefore deletes old processed/ignored events in a bounded
// batch. Used by the retention watchdog only.
func (r *EventRepo) PurgeProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM webhook_events
		WHERE status IN (?, ?) AND created_at < ?
		LIMIT ?
	`
	result, err := r.db.ExecContext(ctx, query,
		domain.EventStatusProcessed, domain.EventStatusIgnored, cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// ============================================================================
// StoryRepo
// ============================================================================

// StoryRepo persists Story rows in MariaDB.
type StoryRepo struct {
	db *sql.DB
}

// NewStoryRepo creates a story repository.
func NewStoryRepo(db *sql.DB) *StoryRepo {
	return &StoryRepo{db: db}
}

// CreateIfAbsent inserts the story on first sighting; repeat sightings do
// not overwrite any field.
func (r *StoryRepo) CreateIfAbsent(ctx context.Context, story *domain.Story) (bool, error) {
	query := `
		INSERT INTO stories (
			story_id, account_id, story_url, media_type, caption,
			story_timestamp, expires_at, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		story.StoryID, story.AccountID, story.StoryURL, story.MediaType,
		story.Caption, story.StoryTimestamp, story.ExpiresAt, story.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("save story: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("story insert id: %w", err)
	}
	story.ID = id
	return true, nil
}

// IncrementReplyCount bumps the story reply counter atomically.
func (r *StoryRepo) IncrementReplyCount(ctx context.Context, storyID string) error {
	query := `UPDATE stories SET reply_count = reply_count + 1, updated_at = NOW() WHERE story_id = ?`
	if _, err := r.db.ExecContext(ctx, query, storyID); err != nil {
		return fmt.Errorf("increment story replies: %w", err)
	}
	return nil
}

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore maintains the cross-channel Conversation aggregate and
// the channel-user-to-customer linkage.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a conversation store.
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// SyncToConversation mirrors a channel message into the Conversation
// aggregate: get-or-create the open conversation for its user, advance the
// monotonic last-message timestamp, and bump the unread counter on inbound.
func (r *ConversationStore) SyncToConversation(ctx context.Context, msg *domain.ChannelMessage) (*domain.Conversation, error) {
	conv, err := r.openConversationFor(ctx, msg.ChannelUserID)
	if errors.Is(err, domain.ErrNotFound) {
		conv, err = r.createConversation(ctx, msg)
	}
	if err != nil {
		return nil, err
	}

	// Monotonic: only advance when the event time is ahead of the stored one.
	advance := `
		UPDATE conversations
		SET last_message_at = ?, updated_at = NOW()
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)
	`
	if _, err := r.db.ExecContext(ctx, advance, msg.Timestamp, conv.ID, msg.Timestamp); err != nil {
		return nil, fmt.Errorf("advance conversation timestamp: %w", err)
	}

	if msg.Direction == domain.DirectionInbound {
		bump := `UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`
		if _, err := r.db.ExecContext(ctx, bump, conv.ID); err != nil {
			return nil, fmt.Errorf("bump unread counter: %w", err)
		}
	}

	link := `UPDATE channel_messages SET conversation_id = ? WHERE id = ? AND conversation_id IS NULL`
	if _, err := r.db.ExecContext(ctx, link, conv.ID, msg.ID); err != nil {
		return nil, fmt.Errorf("link message to conversation: %w", err)
	}

	return conv, nil
}

func (r *ConversationStore) openConversationFor(ctx context.Context, channelUserID int64) (*domain.Conversation, error) {
	query := `
		SELECT id, conversation_id, channel, customer_id, channel_user_id,
			   assigned_agent_id, status, last_message_at, unread_count,
			   created_at, updated_at
		FROM conversations
		WHERE channel_user_id = ? AND status <> ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	var c domain.Conversation
	err := r.db.QueryRowContext(ctx, query, channelUserID, domain.ConversationStatusClosed).Scan(
		&c.ID, &c.ConversationID, &c.Channel, &c.CustomerID,
		&c.ChannelUserID, &c.AssignedAgentID, &c.Status, &c.LastMessageAt,
		&c.UnreadCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return &c, nil
}

func (r *ConversationStore) createConversation(ctx context.Context, msg *domain.ChannelMessage) (*domain.Conversation, error) {
	var channel string
	var customerID *int64
	lookup := `
		SELECT a.channel, u.customer_id
		FROM channel_users u
		JOIN channel_accounts a ON a.id = u.account_id
		WHERE u.id = ?
	`
	if err := r.db.QueryRowContext(ctx, lookup, msg.ChannelUserID).Scan(&channel, &customerID); err != nil {
		return nil, fmt.Errorf("conversation context lookup: %w", err)
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ConversationID: fmt.Sprintf("conv_%s_%d_%d", channel, msg.ChannelUserID, now.UnixNano()),
		Channel:        channel,
		CustomerID:     customerID,
		ChannelUserID:  msg.ChannelUserID,
		Status:         domain.ConversationStatusNew,
		CreatedAt:      now,
	}

	insert := `
		INSERT INTO conversations (
			conversation_id, channel, customer_id, channel_user_id,
			status, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, insert,
		conv.ConversationID, conv.Channel, conv.CustomerID,
		conv.ChannelUserID, conv.Status, conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation insert id: %w", err)
	}
	conv.ID = id

	slog.Info("New conversation created",
		"conversation_id", conv.ConversationID,
		"channel", channel,
	)
	return conv, nil
}

// MatchOrLink looks for a local customer whose recorded channel handle
// matches the user's platform identity. Best effort: no match is nil, nil.
func (r *ConversationStore) MatchOrLink(ctx context.Context, user *domain.ChannelUser) (*int64, error) {
	if user.Username == "" {
		return nil, nil
	}

	query := `SELECT id FROM customers WHERE channel_handle = ? LIMIT 1`
	var customerID int64
	err := r.db.QueryRowContext(ctx, query, user.Username).Scan(&customerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match customer: %w", err)
	}
	return &customerID, nil
}
