package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnihub/internal/adapters/dto"
	"omnihub/internal/core/domain"
	"omnihub/internal/core/ports"
)

// dedupTTL bounds the Redis fast-path keys; the durable unique constraint on
// event_id backs it beyond the TTL.
const dedupTTL = 24 * time.Hour

// Processor classifies inbound webhook events, guarantees their idempotent
// persistence, and drives per-type handling. Persisting the WebhookEvent row
// is the idempotency boundary: a duplicate event id means the delivery was
// already handled and produces zero further side effects.
type Processor struct {
	events   ports.EventRepository
	messages ports.MessageRepository
	accounts ports.AccountRepository
	stories  ports.StoryRepository
	users    ports.UserRepository
	convSync ports.ConversationSync
	dedup    ports.DedupRepository
	notifier ports.Notifier
	resolver *Resolver
}

// NewProcessor creates a processor with its dependencies injected.
func NewProcessor(
	events ports.EventRepository,
	messages ports.MessageRepository,
	accounts ports.AccountRepository,
	stories ports.StoryRepository,
	users ports.UserRepository,
	convSync ports.ConversationSync,
	dedup ports.DedupRepository,
	notifier ports.Notifier,
	resolver *Resolver,
) *Processor {
	return &Processor{
		events:   events,
		messages: messages,
		accounts: accounts,
		stories:  stories,
		users:    users,
		convSync: convSync,
		dedup:    dedup,
		notifier: notifier,
		resolver: resolver,
	}
}

// Process handles one authenticated webhook delivery for an account. An
// error return means the event could NOT be durably recorded and the caller
// should answer non-2xx so the platform redelivers. Once the event row
// exists, every downstream failure is absorbed into the event's failed
// status and Process returns nil: the platform must not be told to retry a
// delivery that was already recorded.
func (p *Processor) Process(ctx context.Context, account *domain.ChannelAccount, env *dto.WebhookEnvelope, raw []byte) error {
	eventType := env.Classify()
	eventID := env.EventID(raw, time.Now().UTC())

	// Fast-path duplicate check; the unique constraint below is the durable
	// guard when the cache misses.
	if dup, err := p.dedup.IsDuplicate(ctx, eventID); err != nil {
		slog.Warn("Dedup check failed, relying on unique constraint",
			"event_id", eventID,
			"error", err,
		)
	} else if dup {
		slog.Info("Duplicate webhook event detected, skipping",
			"event_id", eventID,
		)
		return nil
	}

	event := &domain.WebhookEvent{
		EventID:   eventID,
		EventType: eventType,
		AccountID: account.ID,
		RawData:   json.RawMessage(raw),
		Status:    domain.EventStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.events.Create(ctx, event); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			slog.Info("Webhook event already recorded, skipping",
				"event_id", eventID,
			)
			return nil
		}
		return fmt.Errorf("record webhook event: %w", err)
	}

	if err := p.dedup.MarkProcessed(ctx, eventID, dedupTTL); err != nil {
		slog.Warn("Failed to mark event in dedup cache",
			"event_id", eventID,
			"error", err,
		)
	}

	p.handle(ctx, account, event, env)
	return nil
}

// handle runs the per-type processing. Any failure, including a panic from a
// malformed sub-event, is captured on the event row and never propagated:
// one bad sub-event must not abort siblings already committed, nor crash the
// ingress response path.
func (p *Processor) handle(ctx context.Context, account *domain.ChannelAccount, event *domain.WebhookEvent, env *dto.WebhookEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in webhook processing",
				"event_id", event.EventID,
				"panic", r,
			)
			p.markFailed(ctx, event.EventID, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := p.events.MarkProcessing(ctx, event.EventID); err != nil {
		slog.Warn("Failed to mark event processing",
			"event_id", event.EventID,
			"error", err,
		)
	}
	event.Status = domain.EventStatusProcessing

	var err error
	switch event.EventType {
	case domain.EventTypeMessages:
		err = p.processMessages(ctx, account, event, env)
	case domain.EventTypeMessagingSeen:
		err = p.processSeen(ctx, account, event, env)
	case domain.EventTypeStoryInsights:
		err = p.processStoryInsights(ctx, account, event, env)
	default:
		// Unrecognized shapes are expected as platforms add fields over
		// time; ignored, not failed.
		if markErr := p.events.MarkIgnored(ctx, event.EventID); markErr != nil {
			slog.Error("Failed to mark event ignored",
				"event_id", event.EventID,
				"error", markErr,
			)
		}
		slog.Info("Ignored webhook event of unknown type",
			"event_id", event.EventID,
		)
		return
	}

	if err != nil {
		slog.Error("Webhook event processing failed",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"error", err,
		)
		p.markFailed(ctx, event.EventID, err.Error())
	}
}

// processMessages ingests each message sub-event: resolve the sender,
// normalize the content, persist inbound, bump counters, link and notify.
func (p *Processor) processMessages(ctx context.Context, account *domain.ChannelAccount, event *domain.WebhookEvent, env *dto.WebhookEnvelope) error {
	var (
		lastUserID    *int64
		lastMessageID *int64
		processed     int
		skipped       int
		lastProcessed map[string]any
	)

	for _, entry := range env.Entry {
		for i := range entry.Messaging {
			messaging := &entry.Messaging[i]
			if messaging.Message == nil {
				continue
			}

			// Echoes of our own sends must not be re-ingested as inbound.
			if messaging.Message.IsEcho || messaging.Sender.ID == account.PlatformAccountID {
				skipped++
				continue
			}

			msg, user, err := p.ingestMessage(ctx, account, messaging)
			if errors.Is(err, domain.ErrDuplicateMessage) {
				// Redelivery of a known mid under a fresh event id: the row
				// exists, its counters and notifications already happened.
				slog.Info("Inbound message already persisted, skipping",
					"mid", messaging.Message.MID,
				)
				skipped++
				continue
			}
			if err != nil {
				return err
			}

			lastUserID = &user.ID
			lastMessageID = &msg.ID
			processed++
			lastProcessed = map[string]any{
				"message_id":   msg.MessageID,
				"message_type": msg.MessageType,
				"sender_id":    user.PlatformUserID,
			}
		}
	}

	processedData, _ := json.Marshal(map[string]any{
		"processed": processed,
		"skipped":   skipped,
		"last":      lastProcessed,
	})
	if err := p.events.MarkProcessed(ctx, event.EventID, processedData, lastUserID, lastMessageID); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}

	slog.Info("Message event processed",
		"event_id", event.EventID,
		"processed", processed,
		"skipped", skipped,
	)
	return nil
}

// ingestMessage persists a single inbound message with its side effects.
func (p *Processor) ingestMessage(ctx context.Context, account *domain.ChannelAccount, messaging *dto.Messaging) (*domain.ChannelMessage, *domain.ChannelUser, error) {
	user, err := p.resolver.GetOrCreateUser(ctx, account, messaging.Sender.ID)
	if err != nil {
		return nil, nil, err
	}

	msgType, text, mediaURL, mediaType, storyID, storyURL := messaging.Message.MessageKind()
	eventTime := messaging.EventTime(time.Now().UTC())

	rawPayload, _ := json.Marshal(messaging)

	msg := &domain.ChannelMessage{
		MessageID:         "in_" + messaging.Message.MID,
		PlatformMessageID: messaging.Message.MID,
		AccountID:         account.ID,
		ChannelUserID:     user.ID,
		MessageType:       msgType,
		Direction:         domain.DirectionInbound,
		Status:            domain.MessageStatusDelivered,
		Text:              text,
		MediaURL:          mediaURL,
		MediaType:         mediaType,
		StoryID:           storyID,
		StoryURL:          storyURL,
		Payload:           rawPayload,
		Timestamp:         eventTime,
		CreatedAt:         time.Now().UTC(),
	}
	if err := p.messages.Create(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("save inbound message: %w", err)
	}

	if storyID != "" {
		if err := p.stories.IncrementReplyCount(ctx, storyID); err != nil {
			slog.Warn("Failed to bump story reply count",
				"story_id", storyID,
				"error", err,
			)
		}
	}

	if err := p.accounts.IncrementReceived(ctx, account.ID); err != nil {
		return nil, nil, fmt.Errorf("increment account counter: %w", err)
	}
	if err := p.users.IncrementReceived(ctx, user.ID, eventTime); err != nil {
		return nil, nil, fmt.Errorf("increment user counter: %w", err)
	}

	// Cross-channel mirroring, customer matching, and fan-out are
	// best-effort: the inbound message is already durable.
	if conv, err := p.convSync.SyncToConversation(ctx, msg); err != nil {
		slog.Warn("Conversation sync failed",
			"message_id", msg.MessageID,
			"error", err,
		)
	} else if conv != nil {
		msg.ConversationID = &conv.ID
	}

	p.resolver.MatchCustomer(ctx, user)

	if err := p.notifier.Publish(ctx, notificationGroup(account), msg); err != nil {
		slog.Warn("Failed to publish inbound message notification",
			"message_id", msg.MessageID,
			"error", err,
		)
	}

	slog.Info("Inbound message processed",
		"message_id", msg.MessageID,
		"message_type", msg.MessageType,
		"sender", user.DisplayName(),
	)
	return msg, user, nil
}

// processSeen applies a read watermark: every outbound message to the sender
// with status sent/delivered and event time at or below the watermark
// becomes read. Later messages are untouched.
func (p *Processor) processSeen(ctx context.Context, account *domain.ChannelAccount, event *domain.WebhookEvent, env *dto.WebhookEnvelope) error {
	var (
		senderID  string
		watermark time.Time
		updated   int64
	)

	for _, entry := range env.Entry {
		for i := range entry.Messaging {
			messaging := &entry.Messaging[i]
			if messaging.Read == nil {
				continue
			}

			senderID = messaging.Sender.ID
			watermark = messaging.Read.WatermarkTime()

			user, err := p.users.GetByPlatformUserID(ctx, account.ID, senderID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					// No local user means no outbound messages to mark.
					continue
				}
				return fmt.Errorf("lookup reader: %w", err)
			}

			n, err := p.messages.MarkReadUpTo(ctx, account.ID, user.ID, watermark)
			if err != nil {
				return fmt.Errorf("apply read watermark: %w", err)
			}
			updated += n
		}
	}

	processedData, _ := json.Marshal(map[string]any{
		"sender_id":     senderID,
		"watermark":     watermark.UnixMilli(),
		"messages_read": updated,
	})
	if err := p.events.MarkProcessed(ctx, event.EventID, processedData, nil, nil); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}

	slog.Info("Read receipt processed",
		"event_id", event.EventID,
		"sender_id", senderID,
		"messages_read", updated,
	)
	return nil
}

// processStoryInsights upserts the Story aggregate on first sighting. Repeat
// sightings are informational only; no field is overwritten.
func (p *Processor) processStoryInsights(ctx context.Context, account *domain.ChannelAccount, event *domain.WebhookEvent, env *dto.WebhookEnvelope) error {
	var storyIDs []string

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "story_insights" {
				continue
			}

			var value dto.StoryInsightsValue
			if err := json.Unmarshal(change.Value, &value); err != nil {
				return fmt.Errorf("decode story insights: %w", err)
			}
			if value.StoryID == "" {
				continue
			}

			now := time.Now().UTC()
			storyTime := now
			if value.Timestamp > 0 {
				storyTime = time.Unix(value.Timestamp, 0).UTC()
			}
			expires := storyTime.Add(24 * time.Hour)
			if value.ExpiresAt > 0 {
				expires = time.Unix(value.ExpiresAt, 0).UTC()
			}

			created, err := p.stories.CreateIfAbsent(ctx, &domain.Story{
				StoryID:        value.StoryID,
				AccountID:      account.ID,
				StoryURL:       value.MediaURL,
				MediaType:      value.MediaType,
				Caption:        value.Caption,
				StoryTimestamp: storyTime,
				ExpiresAt:      expires,
				CreatedAt:      now,
			})
			if err != nil {
				return fmt.Errorf("upsert story: %w", err)
			}
			if created {
				slog.Info("Story recorded from insights event",
					"story_id", value.StoryID,
				)
			}
			storyIDs = append(storyIDs, value.StoryID)
		}
	}

	processedData, _ := json.Marshal(map[string]any{"story_ids": storyIDs})
	if err := p.events.MarkProcessed(ctx, event.EventID, processedData, nil, nil); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (p *Processor) markFailed(ctx context.Context, eventID, message string) {
	if err := p.events.MarkFailed(ctx, eventID, message); err != nil {
		slog.Error("Failed to mark webhook event failed",
			"event_id", eventID,
			"error", err,
		)
	}
}

// notificationGroup names the pub/sub group agent sessions subscribe to.
func notificationGroup(account *domain.ChannelAccount) string {
	return fmt.Sprintf("inbox:%s:%d", account.Channel, account.ID)
}
