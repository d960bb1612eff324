package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"

	"omnihub/internal/core/domain"
	"omnihub/internal/core/ports"
)

// Messenger orchestrates outbound sends with the persist-then-send-then-
// reconcile pattern: the pending row is inserted before any network call, so
// every attempted send is recorded even if the call never returns. It also
// owns the account health check.
type Messenger struct {
	accounts ports.AccountRepository
	users    ports.UserRepository
	messages ports.MessageRepository
	convSync ports.ConversationSync
	gateway  ports.ChannelGateway
	notifier ports.Notifier
	node     *snowflake.Node
}

// NewMessenger creates a messenger with its dependencies injected.
func NewMessenger(
	accounts ports.AccountRepository,
	users ports.UserRepository,
	messages ports.MessageRepository,
	convSync ports.ConversationSync,
	gateway ports.ChannelGateway,
	notifier ports.Notifier,
	node *snowflake.Node,
) *Messenger {
	return &Messenger{
		accounts: accounts,
		users:    users,
		messages: messages,
		convSync: convSync,
		gateway:  gateway,
		notifier: notifier,
		node:     node,
	}
}

// SendText sends a plain text message to a channel user.
func (m *Messenger) SendText(ctx context.Context, account *domain.ChannelAccount, user *domain.ChannelUser, text string) (*domain.ChannelMessage, error) {
	return m.send(ctx, account, user, domain.OutboundContent{Text: text})
}

// SendMedia sends a media message typed by mediaType (image, video, audio).
func (m *Messenger) SendMedia(ctx context.Context, account *domain.ChannelAccount, user *domain.ChannelUser, mediaURL, mediaType string) (*domain.ChannelMessage, error) {
	return m.send(ctx, account, user, domain.OutboundContent{MediaURL: mediaURL, MediaType: mediaType})
}

// Send dispatches normalized outbound content.
func (m *Messenger) Send(ctx context.Context, account *domain.ChannelAccount, user *domain.ChannelUser, content domain.OutboundContent) (*domain.ChannelMessage, error) {
	return m.send(ctx, account, user, content)
}

// send runs the outbound state machine: pending -> sent on success, pending
// -> failed on any error with the original error re-raised after the state
// is persisted. Counters move only on success: a failed send never counts as
// sent.
func (m *Messenger) send(ctx context.Context, account *domain.ChannelAccount, user *domain.ChannelUser, content domain.OutboundContent) (*domain.ChannelMessage, error) {
	now := time.Now().UTC()
	msg := &domain.ChannelMessage{
		MessageID:     fmt.Sprintf("out_%s", m.node.Generate()),
		AccountID:     account.ID,
		ChannelUserID: user.ID,
		MessageType:   content.MessageTypeFor(),
		Direction:     domain.DirectionOutbound,
		Status:        domain.MessageStatusPending,
		Text:          content.Text,
		MediaURL:      content.MediaURL,
		MediaType:     content.MediaType,
		Timestamp:     now,
		CreatedAt:     now,
	}
	if err := m.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist outbound message: %w", err)
	}

	platformMessageID, sendErr := m.gateway.SendMessage(ctx, account, user.PlatformUserID, content)
	if sendErr != nil {
		var rateErr *domain.RateLimitedError
		if errors.As(sendErr, &rateErr) {
			// The budget rejected the dispatch before any network attempt;
			// the message stays pending and the caller backs off.
			slog.Warn("Outbound send rate limited",
				"message_id", msg.MessageID,
				"wait_seconds", rateErr.WaitSeconds,
			)
			return msg, sendErr
		}
		m.recordFailure(ctx, msg, sendErr)
		return msg, sendErr
	}

	sentAt := time.Now().UTC()
	if err := m.messages.MarkSent(ctx, msg.MessageID, platformMessageID, sentAt); err != nil {
		return msg, fmt.Errorf("mark message sent: %w", err)
	}
	msg.Status = domain.MessageStatusSent
	msg.PlatformMessageID = platformMessageID
	msg.SentAt = &sentAt

	if err := m.accounts.IncrementSent(ctx, account.ID); err != nil {
		slog.Error("Failed to increment account sent counter",
			"account_id", account.ID,
			"error", err,
		)
	}
	if err := m.users.IncrementSent(ctx, user.ID, sentAt); err != nil {
		slog.Error("Failed to increment user sent counter",
			"channel_user_id", user.ID,
			"error", err,
		)
	}

	if conv, err := m.convSync.SyncToConversation(ctx, msg); err != nil {
		slog.Warn("Conversation sync failed for outbound message",
			"message_id", msg.MessageID,
			"error", err,
		)
	} else if conv != nil {
		msg.ConversationID = &conv.ID
	}

	slog.Info("Outbound message sent",
		"message_id", msg.MessageID,
		"platform_message_id", platformMessageID,
		"recipient", user.DisplayName(),
	)
	return msg, nil
}

// recordFailure persists the failed transition before the error is surfaced
// to the caller. Failed is terminal: a failed send is retried as a
// brand-new message, never resurrected.
func (m *Messenger) recordFailure(ctx context.Context, msg *domain.ChannelMessage, sendErr error) {
	var (
		code       string
		channelErr *domain.ChannelAPIError
	)
	if errors.As(sendErr, &channelErr) {
		code = channelErr.Code
	}

	if err := m.messages.MarkFailed(ctx, msg.MessageID, code, sendErr.Error()); err != nil {
		slog.Error("Failed to mark message failed",
			"message_id", msg.MessageID,
			"error", err,
		)
		return
	}
	msg.Status = domain.MessageStatusFailed
	msg.ErrorCode = code
	msg.ErrorMessage = sendErr.Error()

	slog.Error("Outbound send failed",
		"message_id", msg.MessageID,
		"error", sendErr,
	)
}

// HealthCheck performs a read-only account-info fetch, refreshes the cached
// profile fields, and updates the account's health. This is the only place
// an unhealthy account transitions back to healthy.
func (m *Messenger) HealthCheck(ctx context.Context, account *domain.ChannelAccount) (*domain.AccountInfo, error) {
	info, err := m.gateway.GetAccountInfo(ctx, account)
	if err != nil {
		if updErr := m.accounts.UpdateHealth(ctx, account.ID, false, domain.AccountStatusError, err.Error()); updErr != nil {
			slog.Error("Failed to record unhealthy status",
				"account_id", account.ID,
				"error", updErr,
			)
		}
		account.IsHealthy = false
		account.Status = domain.AccountStatusError
		account.LastErrorMessage = err.Error()

		slog.Error("Health check failed",
			"account", account.DisplayName(),
			"error", err,
		)
		return nil, err
	}

	if err := m.accounts.UpdateProfile(ctx, account.ID, info); err != nil {
		return nil, fmt.Errorf("refresh account profile: %w", err)
	}
	if err := m.accounts.UpdateHealth(ctx, account.ID, true, domain.AccountStatusActive, ""); err != nil {
		return nil, fmt.Errorf("record healthy status: %w", err)
	}

	account.Username = info.Username
	account.Name = info.Name
	account.Biography = info.Biography
	account.Website = info.Website
	account.FollowersCount = info.FollowersCount
	account.ProfilePictureURL = info.ProfilePictureURL
	account.IsHealthy = true
	account.Status = domain.AccountStatusActive
	account.LastErrorMessage = ""

	slog.Info("Health check passed",
		"account", account.DisplayName(),
		"followers", info.FollowersCount,
	)
	return info, nil
}
