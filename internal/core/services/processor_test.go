package services

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omnihub/internal/adapters/dto"
	"omnihub/internal/core/domain"
)

// ============================================================================
// Test Helpers
// ============================================================================

type processorFixture struct {
	processor *Processor
	events    *MockEventRepo
	messages  *MockMessageRepo
	accounts  *MockAccountRepo
	stories   *MockStoryRepo
	users     *MockUserRepo
	convSync  *MockConvSync
	dedup     *MockDedup
	notifier  *MockNotifier
	gateway   *MockGateway
	matcher   *MockMatcher
}

func newProcessorFixture() *processorFixture {
	f := &processorFixture{
		events:   new(MockEventRepo),
		messages: new(MockMessageRepo),
		accounts: new(MockAccountRepo),
		stories:  new(MockStoryRepo),
		users:    new(MockUserRepo),
		convSync: new(MockConvSync),
		dedup:    new(MockDedup),
		notifier: new(MockNotifier),
		gateway:  new(MockGateway),
		matcher:  new(MockMatcher),
	}
	resolver := NewResolver(f.users, f.gateway, f.matcher)
	f.processor = NewProcessor(f.events, f.messages, f.accounts, f.stories, f.users, f.convSync, f.dedup, f.notifier, resolver)
	return f
}

func testAccount() *domain.ChannelAccount {
	return &domain.ChannelAccount{
		ID:                1,
		Channel:           domain.ChannelInstagram,
		PlatformAccountID: "17841400000000001",
		Username:          "shopfront",
		Status:            domain.AccountStatusActive,
		IsHealthy:         true,
	}
}

func parse(t *testing.T, raw []byte) *dto.WebhookEnvelope {
	t.Helper()
	env, err := dto.ParseEnvelope(raw)
	require.NoError(t, err)
	return env
}

func textMessageBody(mid, senderID, text string) []byte {
	return []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "17841400000000001",
			"time": 1717243200000,
			"messaging": [{
				"sender": {"id": "` + senderID + `"},
				"recipient": {"id": "17841400000000001"},
				"timestamp": 1717243200000,
				"message": {"mid": "` + mid + `", "text": "` + text + `"}
			}]
		}]
	}`)
}

func echoMessageBody(mid string) []byte {
	return []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "17841400000000001",
			"messaging": [{
				"sender": {"id": "17841400000000001"},
				"recipient": {"id": "USER_123"},
				"timestamp": 1717243200000,
				"message": {"mid": "` + mid + `", "text": "echo of our send", "is_echo": true}
			}]
		}]
	}`)
}

func readReceiptBody(senderID string, watermark int64) []byte {
	return []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "17841400000000001",
			"messaging": [{
				"sender": {"id": "` + senderID + `"},
				"recipient": {"id": "17841400000000001"},
				"timestamp": 1717243300000,
				"read": {"watermark": ` + strconv.FormatInt(watermark, 10) + `}
			}]
		}]
	}`)
}

// ============================================================================
// Unit Tests
// ============================================================================

// TestProcessInboundTextMessage walks the full ingestion path for a brand-new
// sender: user created, message persisted inbound, counters bumped,
// conversation synced, notification published, event finished.
func TestProcessInboundTextMessage(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := textMessageBody("mid.test123", "USER_123", "Hello there")
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, "msg:mid.test123").Return(false, nil)
	f.events.On("Create", ctx, mock.MatchedBy(func(e *domain.WebhookEvent) bool {
		return e.EventID == "msg:mid.test123" &&
			e.EventType == domain.EventTypeMessages &&
			e.AccountID == account.ID &&
			e.Status == domain.EventStatusPending
	})).Return(nil).Run(func(args mock.Arguments) {
		args.Get(1).(*domain.WebhookEvent).ID = 77
	})
	f.events.On("MarkProcessing", ctx, "msg:mid.test123").Return(nil)
	f.dedup.On("MarkProcessed", ctx, "msg:mid.test123", 24*time.Hour).Return(nil)

	// New sender: lookup misses, create succeeds, enrichment fails softly.
	f.users.On("GetByPlatformUserID", ctx, account.ID, "USER_123").Return(nil, domain.ErrNotFound).Once()
	f.users.On("Create", ctx, mock.AnythingOfType("*domain.ChannelUser")).Return(nil).Run(func(args mock.Arguments) {
		args.Get(1).(*domain.ChannelUser).ID = 42
	})
	f.gateway.On("GetUserProfile", ctx, account, "USER_123").Return(nil, errors.New("profile unavailable"))

	f.messages.On("Create", ctx, mock.MatchedBy(func(msg *domain.ChannelMessage) bool {
		return msg.MessageID == "in_mid.test123" &&
			msg.PlatformMessageID == "mid.test123" &&
			msg.Direction == domain.DirectionInbound &&
			msg.Status == domain.MessageStatusDelivered &&
			msg.MessageType == domain.MessageTypeText &&
			msg.Text == "Hello there" &&
			msg.ChannelUserID == 42
	})).Return(nil).Run(func(args mock.Arguments) {
		args.Get(1).(*domain.ChannelMessage).ID = 99
	})

	f.accounts.On("IncrementReceived", ctx, account.ID).Return(nil)
	f.users.On("IncrementReceived", ctx, int64(42), mock.AnythingOfType("time.Time")).Return(nil)
	f.convSync.On("SyncToConversation", ctx, mock.AnythingOfType("*domain.ChannelMessage")).Return(&domain.Conversation{ID: 5}, nil)
	f.matcher.On("MatchOrLink", ctx, mock.AnythingOfType("*domain.ChannelUser")).Return(nil, nil)
	f.notifier.On("Publish", ctx, "inbox:instagram:1", mock.Anything).Return(nil)

	userID := int64(42)
	messageID := int64(99)
	f.events.On("MarkProcessed", ctx, "msg:mid.test123", mock.Anything, &userID, &messageID).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.events.AssertExpectations(t)
	f.messages.AssertExpectations(t)
	f.users.AssertExpectations(t)
	f.accounts.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

// TestProcessDuplicateFastPath: a dedup-cache hit produces zero side effects.
func TestProcessDuplicateFastPath(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := textMessageBody("mid.dup", "USER_123", "again")
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, "msg:mid.dup").Return(true, nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.events.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.accounts.AssertNotCalled(t, "IncrementReceived", mock.Anything, mock.Anything)
}

// TestProcessDuplicateDurableConstraint: the cache misses but the unique
// event-id constraint catches the redelivery. Still zero side effects.
func TestProcessDuplicateDurableConstraint(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := textMessageBody("mid.dup2", "USER_123", "again")
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, "msg:mid.dup2").Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(domain.ErrDuplicateEvent)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.users.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestProcessDedupCacheFailureFallsThrough: a broken cache degrades to the
// durable constraint instead of dropping the event.
func TestProcessDedupCacheFailureFallsThrough(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := []byte(`{"object": "instagram", "entry": [{"id": "17841400000000001"}]}`)
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, mock.Anything).Return(false, errors.New("redis down"))
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, mock.Anything, 24*time.Hour).Return(errors.New("redis down"))
	f.events.On("MarkIgnored", ctx, mock.Anything).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.events.AssertExpectations(t)
}

// TestProcessEchoSkipped: echoes of our own sends are never re-ingested, but
// the event itself is still recorded and finished.
func TestProcessEchoSkipped(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := echoMessageBody("mid.echo1")
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, "msg:mid.echo1").Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, "msg:mid.echo1", 24*time.Hour).Return(nil)
	f.events.On("MarkProcessed", ctx, "msg:mid.echo1", mock.Anything, (*int64)(nil), (*int64)(nil)).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.users.AssertNotCalled(t, "GetByPlatformUserID", mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertExpectations(t)
}

// TestProcessReadReceipt applies the watermark to the sender's outbound
// messages.
func TestProcessReadReceipt(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := readReceiptBody("USER_123", 1717243200000)
	env := parse(t, raw)

	user := &domain.ChannelUser{ID: 42, AccountID: account.ID, PlatformUserID: "USER_123"}
	watermark := time.UnixMilli(1717243200000).UTC()

	f.dedup.On("IsDuplicate", ctx, "seen:USER_123:1717243200000").Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, mock.Anything, 24*time.Hour).Return(nil)
	f.users.On("GetByPlatformUserID", ctx, account.ID, "USER_123").Return(user, nil)
	f.messages.On("MarkReadUpTo", ctx, account.ID, int64(42), watermark).Return(3, nil)
	f.events.On("MarkProcessed", ctx, "seen:USER_123:1717243200000", mock.Anything, (*int64)(nil), (*int64)(nil)).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.messages.AssertExpectations(t)
	f.events.AssertExpectations(t)
}

// TestProcessReadReceiptUnknownReader: a watermark from a sender we have no
// record of is a no-op, not a failure.
func TestProcessReadReceiptUnknownReader(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := readReceiptBody("STRANGER_9", 1717243200000)
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, mock.Anything).Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, mock.Anything, 24*time.Hour).Return(nil)
	f.users.On("GetByPlatformUserID", ctx, account.ID, "STRANGER_9").Return(nil, domain.ErrNotFound)
	f.events.On("MarkProcessed", ctx, mock.Anything, mock.Anything, (*int64)(nil), (*int64)(nil)).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.messages.AssertNotCalled(t, "MarkReadUpTo", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertExpectations(t)
}

// TestProcessStoryInsightsFirstSighting records the story once.
func TestProcessStoryInsightsFirstSighting(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "17841400000000001",
			"changes": [{
				"field": "story_insights",
				"value": {"story_id": "story_789", "media_url": "https://cdn/story.jpg", "media_type": "image"}
			}]
		}]
	}`)
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, "story:story_789").Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, "story:story_789", 24*time.Hour).Return(nil)
	f.stories.On("CreateIfAbsent", ctx, mock.MatchedBy(func(s *domain.Story) bool {
		return s.StoryID == "story_789" && s.AccountID == account.ID && s.StoryURL == "https://cdn/story.jpg"
	})).Return(true, nil)
	f.events.On("MarkProcessed", ctx, "story:story_789", mock.Anything, (*int64)(nil), (*int64)(nil)).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.stories.AssertExpectations(t)
}

// TestProcessUnknownEventIgnored: unrecognized shapes are recorded then
// marked ignored, never failed.
func TestProcessUnknownEventIgnored(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := []byte(`{"object": "instagram", "entry": [{"id": "17841400000000001", "changes": [{"field": "comments", "value": {}}]}]}`)
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, mock.Anything).Return(false, nil)
	f.events.On("Create", ctx, mock.MatchedBy(func(e *domain.WebhookEvent) bool {
		return e.EventType == domain.EventTypeUnknown
	})).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, mock.Anything, 24*time.Hour).Return(nil)
	f.events.On("MarkIgnored", ctx, mock.Anything).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.events.AssertExpectations(t)
	f.events.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
}

// TestProcessDownstreamFailureAbsorbed: once the event row exists, a
// downstream failure is captured on the event and Process still returns nil
// so the platform is not told to redeliver.
func TestProcessDownstreamFailureAbsorbed(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := textMessageBody("mid.boom", "USER_123", "trouble")
	env := parse(t, raw)

	user := &domain.ChannelUser{ID: 42, AccountID: account.ID, PlatformUserID: "USER_123"}

	f.dedup.On("IsDuplicate", ctx, "msg:mid.boom").Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, "msg:mid.boom", 24*time.Hour).Return(nil)
	f.users.On("GetByPlatformUserID", ctx, account.ID, "USER_123").Return(user, nil)
	f.messages.On("Create", ctx, mock.Anything).Return(errors.New("database error"))
	f.events.On("MarkFailed", ctx, "msg:mid.boom", mock.Anything).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.events.AssertCalled(t, "MarkFailed", ctx, "msg:mid.boom", mock.Anything)
	f.events.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestProcessEventRecordFailurePropagates: if the event row cannot be
// written the delivery was not recorded, so the error must surface and the
// caller answers non-2xx.
func TestProcessEventRecordFailurePropagates(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := textMessageBody("mid.norec", "USER_123", "hi")
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, mock.Anything).Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(errors.New("database unavailable"))

	err := f.processor.Process(ctx, account, env, raw)
	assert.Error(t, err)

	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestProcessPanicRecovered: a panicking sub-event handler marks the event
// failed instead of crashing the ingress path.
func TestProcessPanicRecovered(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := textMessageBody("mid.panic", "USER_123", "hi")
	env := parse(t, raw)

	f.dedup.On("IsDuplicate", ctx, mock.Anything).Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, mock.Anything, 24*time.Hour).Return(nil)
	f.users.On("GetByPlatformUserID", ctx, account.ID, "USER_123").Run(func(args mock.Arguments) {
		panic("simulated panic in user lookup")
	}).Return(nil, nil)
	f.events.On("MarkFailed", ctx, "msg:mid.panic", mock.Anything).Return(nil)

	assert.NotPanics(t, func() {
		err := f.processor.Process(ctx, account, env, raw)
		assert.NoError(t, err)
	})

	f.events.AssertCalled(t, "MarkFailed", ctx, "msg:mid.panic", mock.Anything)
}

// TestProcessConversationSyncFailureNonFatal: the inbound message is already
// durable; a conversation-mirroring failure must not fail the event.
func TestProcessConversationSyncFailureNonFatal(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := textMessageBody("mid.sync", "USER_123", "hi")
	env := parse(t, raw)

	user := &domain.ChannelUser{ID: 42, AccountID: account.ID, PlatformUserID: "USER_123"}

	f.dedup.On("IsDuplicate", ctx, mock.Anything).Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, mock.Anything, 24*time.Hour).Return(nil)
	f.users.On("GetByPlatformUserID", ctx, account.ID, "USER_123").Return(user, nil)
	f.messages.On("Create", ctx, mock.Anything).Return(nil)
	f.accounts.On("IncrementReceived", ctx, account.ID).Return(nil)
	f.users.On("IncrementReceived", ctx, int64(42), mock.AnythingOfType("time.Time")).Return(nil)
	f.convSync.On("SyncToConversation", ctx, mock.Anything).Return(nil, errors.New("sync unavailable"))
	f.matcher.On("MatchOrLink", ctx, mock.Anything).Return(nil, nil)
	f.notifier.On("Publish", ctx, mock.Anything, mock.Anything).Return(nil)
	f.events.On("MarkProcessed", ctx, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.events.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
}

// TestProcessRedeliveredMessageSkipsSideEffects: a known mid redelivered
// under a fresh event id is absorbed by the message-id unique key. The event
// itself still finishes, but counters, conversation state, and notifications
// must not move a second time.
func TestProcessRedeliveredMessageSkipsSideEffects(t *testing.T) {
	f := newProcessorFixture()
	account := testAccount()
	ctx := context.Background()

	raw := textMessageBody("mid.known", "USER_123", "hello again")
	env := parse(t, raw)

	user := &domain.ChannelUser{ID: 42, AccountID: account.ID, PlatformUserID: "USER_123"}

	f.dedup.On("IsDuplicate", ctx, "msg:mid.known").Return(false, nil)
	f.events.On("Create", ctx, mock.Anything).Return(nil)
	f.events.On("MarkProcessing", ctx, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", ctx, "msg:mid.known", 24*time.Hour).Return(nil)
	f.users.On("GetByPlatformUserID", ctx, account.ID, "USER_123").Return(user, nil)
	f.messages.On("Create", ctx, mock.Anything).Return(domain.ErrDuplicateMessage)
	f.events.On("MarkProcessed", ctx, "msg:mid.known", mock.Anything, (*int64)(nil), (*int64)(nil)).Return(nil)

	err := f.processor.Process(ctx, account, env, raw)
	require.NoError(t, err)

	f.accounts.AssertNotCalled(t, "IncrementReceived", mock.Anything, mock.Anything)
	f.users.AssertNotCalled(t, "IncrementReceived", mock.Anything, mock.Anything, mock.Anything)
	f.convSync.AssertNotCalled(t, "SyncToConversation", mock.Anything, mock.Anything)
	f.notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertExpectations(t)
}
