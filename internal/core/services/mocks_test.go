package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"omnihub/internal/core/domain"
)

// ============================================================================
// Mock Repositories
// ============================================================================

// MockAccountRepo mocks AccountRepository
type MockAccountRepo struct {
	mock.Mock
}

func (m *MockAccountRepo) GetByID(ctx context.Context, id int64) (*domain.ChannelAccount, error) {
	args := m.Called(ctx, id)
	if result := args.Get(0); result != nil {
		return result.(*domain.ChannelAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepo) GetByPlatformAccountID(ctx context.Context, platformAccountID string) (*domain.ChannelAccount, error) {
	args := m.Called(ctx, platformAccountID)
	if result := args.Get(0); result != nil {
		return result.(*domain.ChannelAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepo) GetByVerifyToken(ctx context.Context, token string) (*domain.ChannelAccount, error) {
	args := m.Called(ctx, token)
	if result := args.Get(0); result != nil {
		return result.(*domain.ChannelAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepo) ListAll(ctx context.Context) ([]*domain.ChannelAccount, error) {
	args := m.Called(ctx)
	if result := args.Get(0); result != nil {
		return result.([]*domain.ChannelAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepo) UpdateCredentials(ctx context.Context, id int64, accessToken, appSecret string) error {
	args := m.Called(ctx, id, accessToken, appSecret)
	return args.Error(0)
}

func (m *MockAccountRepo) UpdateHealth(ctx context.Context, id int64, healthy bool, status, errorMessage string) error {
	args := m.Called(ctx, id, healthy, status, errorMessage)
	return args.Error(0)
}

func (m *MockAccountRepo) UpdateProfile(ctx context.Context, id int64, info *domain.AccountInfo) error {
	args := m.Called(ctx, id, info)
	return args.Error(0)
}

func (m *MockAccountRepo) IncrementSent(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAccountRepo) IncrementReceived(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockUserRepo mocks UserRepository
type MockUserRepo struct {
	mock.Mock
}

func (m *MockUserRepo) GetByPlatformUserID(ctx context.Context, accountID int64, platformUserID string) (*domain.ChannelUser, error) {
	args := m.Called(ctx, accountID, platformUserID)
	if result := args.Get(0); result != nil {
		return result.(*domain.ChannelUser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUserRepo) Create(ctx context.Context, user *domain.ChannelUser) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepo) UpdateProfile(ctx context.Context, id int64, profile *domain.UserProfile) error {
	args := m.Called(ctx, id, profile)
	return args.Error(0)
}

func (m *MockUserRepo) LinkCustomer(ctx context.Context, id int64, customerID *int64) error {
	args := m.Called(ctx, id, customerID)
	return args.Error(0)
}

func (m *MockUserRepo) IncrementSent(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockUserRepo) IncrementReceived(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

// MockMessageRepo mocks MessageRepository
type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Create(ctx context.Context, msg *domain.ChannelMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) GetByMessageID(ctx context.Context, messageID string) (*domain.ChannelMessage, error) {
	args := m.Called(ctx, messageID)
	if result := args.Get(0); result != nil {
		return result.(*domain.ChannelMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMessageRepo) MarkSent(ctx context.Context, messageID, platformMessageID string, at time.Time) error {
	args := m.Called(ctx, messageID, platformMessageID, at)
	return args.Error(0)
}

func (m *MockMessageRepo) MarkFailed(ctx context.Context, messageID, errorCode, errorMessage string) error {
	args := m.Called(ctx, messageID, errorCode, errorMessage)
	return args.Error(0)
}

func (m *MockMessageRepo) MarkReadUpTo(ctx context.Context, accountID, channelUserID int64, watermark time.Time) (int64, error) {
	args := m.Called(ctx, accountID, channelUserID, watermark)
	return int64(args.Int(0)), args.Error(1)
}

// MockEventRepo mocks EventRepository
type MockEventRepo struct {
	mock.Mock
}

func (m *MockEventRepo) Create(ctx context.Context, event *domain.WebhookEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventRepo) MarkProcessing(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockEventRepo) MarkProcessed(ctx context.Context, eventID string, processedData json.RawMessage, userID, messageID *int64) error {
	args := m.Called(ctx, eventID, processedData, userID, messageID)
	return args.Error(0)
}

func (m *MockEventRepo) MarkIgnored(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockEventRepo) MarkFailed(ctx context.Context, eventID, errorMessage string) error {
	args := m.Called(ctx, eventID, errorMessage)
	return args.Error(0)
}

func (m *MockEventRepo) PurgeProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	args := m.Called(ctx, cutoff, limit)
	return int64(args.Int(0)), args.Error(1)
}

// MockStoryRepo mocks StoryRepository
type MockStoryRepo struct {
	mock.Mock
}

func (m *MockStoryRepo) CreateIfAbsent(ctx context.Context, story *domain.Story) (bool, error) {
	args := m.Called(ctx, story)
	return args.Bool(0), args.Error(1)
}

func (m *MockStoryRepo) IncrementReplyCount(ctx context.Context, storyID string) error {
	args := m.Called(ctx, storyID)
	return args.Error(0)
}

// MockConvSync mocks ConversationSync
type MockConvSync struct {
	mock.Mock
}

func (m *MockConvSync) SyncToConversation(ctx context.Context, msg *domain.ChannelMessage) (*domain.Conversation, error) {
	args := m.Called(ctx, msg)
	if result := args.Get(0); result != nil {
		return result.(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockDedup mocks DedupRepository
type MockDedup struct {
	mock.Mock
}

func (m *MockDedup) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDedup) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	args := m.Called(ctx, eventID, ttl)
	return args.Error(0)
}

// MockNotifier mocks Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Publish(ctx context.Context, group string, event any) error {
	args := m.Called(ctx, group, event)
	return args.Error(0)
}

// MockMatcher mocks CustomerMatcher
type MockMatcher struct {
	mock.Mock
}

func (m *MockMatcher) MatchOrLink(ctx context.Context, user *domain.ChannelUser) (*int64, error) {
	args := m.Called(ctx, user)
	if result := args.Get(0); result != nil {
		return result.(*int64), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockGateway mocks ChannelGateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Channel() string {
	return "instagram"
}

func (m *MockGateway) GetAccountInfo(ctx context.Context, account *domain.ChannelAccount) (*domain.AccountInfo, error) {
	args := m.Called(ctx, account)
	if result := args.Get(0); result != nil {
		return result.(*domain.AccountInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) GetUserProfile(ctx context.Context, account *domain.ChannelAccount, platformUserID string) (*domain.UserProfile, error) {
	args := m.Called(ctx, account, platformUserID)
	if result := args.Get(0); result != nil {
		return result.(*domain.UserProfile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) SendMessage(ctx context.Context, account *domain.ChannelAccount, recipientID string, content domain.OutboundContent) (string, error) {
	args := m.Called(ctx, account, recipientID, content)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) GetConversations(ctx context.Context, account *domain.ChannelAccount, limit int) (json.RawMessage, error) {
	args := m.Called(ctx, account, limit)
	if result := args.Get(0); result != nil {
		return result.(json.RawMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) GetConversationMessages(ctx context.Context, account *domain.ChannelAccount, conversationID string, limit int) (json.RawMessage, error) {
	args := m.Called(ctx, account, conversationID, limit)
	if result := args.Get(0); result != nil {
		return result.(json.RawMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) SubscribeWebhook(ctx context.Context, account *domain.ChannelAccount, callbackURL, verifyToken string) error {
	args := m.Called(ctx, account, callbackURL, verifyToken)
	return args.Error(0)
}
