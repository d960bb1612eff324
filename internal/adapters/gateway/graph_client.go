// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"omnihub/internal/core/domain"
	"omnihub/internal/core/ports"
	"omnihub/internal/core/services"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v21.0"
	callTimeout    = 30 * time.Second
)

// Logical endpoint names used as rate-limit keys.
const (
	endpointAccountInfo   = "account_info"
	endpointUserProfile   = "user_profile"
	endpointMessages      = "messages"
	endpointConversations = "conversations"
	endpointSubscribe     = "subscribed_apps"
)

// GraphClient is the Meta Graph API variant of the channel gateway, serving
// the Instagram/Messenger family. Every call is gated by the rate limiter
// first: an exhausted budget fails immediately with the wait time, it never
// blocks or queues. HTTP-level failures of any kind are translated into a
// single ChannelAPIError; retry policy belongs to callers.
type GraphClient struct {
	http    *resty.Client
	limiter ports.RateLimiter
	vault   *services.Vault
	channel string
}

// Option configures a GraphClient.
type Option func(*GraphClient)

// WithBaseURL overrides the Graph API base URL (tests point it at a local
// server).
func WithBaseURL(baseURL string) Option {
	return func(c *GraphClient) {
		c.http.SetBaseURL(baseURL)
	}
}

// NewGraphClient creates the gateway for a channel ("instagram" or
// "facebook"; the wire protocol is shared).
func NewGraphClient(channel string, limiter ports.RateLimiter, vault *services.Vault, opts ...Option) *GraphClient {
	c := &GraphClient{
		http: resty.New().
			SetBaseURL(defaultBaseURL).
			SetTimeout(callTimeout),
		limiter: limiter,
		vault:   vault,
		channel: channel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ports.ChannelGateway = (*GraphClient)(nil)

// Channel names the platform this gateway serves.
func (c *GraphClient) Channel() string {
	return c.channel
}

// graphError is the Graph API error envelope.
type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		TraceID      string `json:"fbtrace_id"`
	} `json:"error"`
}

// call performs one rate-limit-gated request. RecordCall fires exactly once
// per attempted call, after the dispatch decision, so throttling is never
// undercounted across retries by callers.
func (c *GraphClient) call(ctx context.Context, account *domain.ChannelAccount, endpoint string, fn func(req *resty.Request) (*resty.Response, error)) ([]byte, error) {
	ok, err := c.limiter.CanCall(ctx, account.ID, endpoint)
	if err != nil {
		return nil, &domain.ChannelAPIError{Message: fmt.Sprintf("rate limit check: %v", err)}
	}
	if !ok {
		wait, _ := c.limiter.WaitSeconds(ctx, account.ID, endpoint)
		return nil, &domain.RateLimitedError{Endpoint: endpoint, WaitSeconds: wait}
	}

	token, err := c.vault.Decrypt(account.AccessToken)
	if err != nil {
		// Read path must not crash on an undecryptable credential; the raw
		// value is passed through and the call will fail visibly upstream.
		slog.Warn("Using raw stored access token",
			"account_id", account.ID,
			"error", err,
		)
	}

	if err := c.limiter.RecordCall(ctx, account.ID, endpoint); err != nil {
		slog.Warn("Failed to record API call",
			"account_id", account.ID,
			"endpoint", endpoint,
			"error", err,
		)
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", token)

	resp, err := fn(req)
	if err != nil {
		return nil, &domain.ChannelAPIError{Message: fmt.Sprintf("request failed: %v", err)}
	}

	if resp.IsError() {
		var ge graphError
		if jsonErr := json.Unmarshal(resp.Body(), &ge); jsonErr != nil || ge.Error.Message == "" {
			return nil, &domain.ChannelAPIError{
				StatusCode: resp.StatusCode(),
				Message:    fmt.Sprintf("http %d: %s", resp.StatusCode(), resp.String()),
			}
		}
		slog.Error("Graph API error",
			"status_code", resp.StatusCode(),
			"error_code", ge.Error.Code,
			"error_message", ge.Error.Message,
			"trace_id", ge.Error.TraceID,
		)
		return nil, &domain.ChannelAPIError{
			StatusCode: resp.StatusCode(),
			Code:       fmt.Sprintf("%d", ge.Error.Code),
			Message:    ge.Error.Message,
		}
	}

	return resp.Body(), nil
}

// GetAccountInfo fetches the account's own profile.
func (c *GraphClient) GetAccountInfo(ctx context.Context, account *domain.ChannelAccount) (*domain.AccountInfo, error) {
	body, err := c.call(ctx, account, endpointAccountInfo, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetQueryParam("fields", "id,username,name,biography,website,followers_count,profile_picture_url").
			Get("/" + account.PlatformAccountID)
	})
	if err != nil {
		return nil, err
	}

	var info domain.AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &domain.ChannelAPIError{Message: fmt.Sprintf("malformed account info: %v", err)}
	}
	return &info, nil
}

// GetUserProfile fetches a platform user's public profile.
func (c *GraphClient) GetUserProfile(ctx context.Context, account *domain.ChannelAccount, platformUserID string) (*domain.UserProfile, error) {
	body, err := c.call(ctx, account, endpointUserProfile, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetQueryParam("fields", "id,username,name,profile_picture_url").
			Get("/" + platformUserID)
	})
	if err != nil {
		return nil, err
	}

	var profile domain.UserProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, &domain.ChannelAPIError{Message: fmt.Sprintf("malformed user profile: %v", err)}
	}
	return &profile, nil
}

// sendRequest is the Graph Send API payload.
type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message map[string]any `json:"message"`
}

// sendResponse is the Graph Send API success body.
type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// SendMessage delivers outbound content and returns the platform-assigned
// message id.
func (c *GraphClient) SendMessage(ctx context.Context, account *domain.ChannelAccount, recipientID string, content domain.OutboundContent) (string, error) {
	payload := sendRequest{}
	payload.Recipient.ID = recipientID
	if content.MediaURL != "" {
		payload.Message = map[string]any{
			"attachment": map[string]any{
				"type":    content.MediaType,
				"payload": map[string]any{"url": content.MediaURL},
			},
		}
	} else {
		payload.Message = map[string]any{"text": content.Text}
	}

	body, err := c.call(ctx, account, endpointMessages, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post("/" + account.PlatformAccountID + "/messages")
	})
	if err != nil {
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &domain.ChannelAPIError{Message: fmt.Sprintf("malformed send response: %v", err)}
	}
	if resp.MessageID == "" {
		return "", &domain.ChannelAPIError{Message: "send response missing message_id"}
	}
	return resp.MessageID, nil
}

// GetConversations fetches the remote conversation list for backfill sync.
func (c *GraphClient) GetConversations(ctx context.Context, account *domain.ChannelAccount, limit int) (json.RawMessage, error) {
	return c.call(ctx, account, endpointConversations, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetQueryParam("fields", "id,participants,updated_time,message_count").
			SetQueryParam("limit", fmt.Sprintf("%d", limit)).
			Get("/" + account.PlatformAccountID + "/conversations")
	})
}

// GetConversationMessages fetches messages of one remote conversation.
func (c *GraphClient) GetConversationMessages(ctx context.Context, account *domain.ChannelAccount, conversationID string, limit int) (json.RawMessage, error) {
	return c.call(ctx, account, endpointConversations, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetQueryParam("fields", "id,from,to,created_time,message,attachments,story").
			SetQueryParam("limit", fmt.Sprintf("%d", limit)).
			Get("/" + conversationID + "/messages")
	})
}

// SubscribeWebhook registers the callback URL for webhook delivery on the
// connected page.
func (c *GraphClient) SubscribeWebhook(ctx context.Context, account *domain.ChannelAccount, callbackURL, verifyToken string) error {
	_, err := c.call(ctx, account, endpointSubscribe, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{
				"subscribed_fields": "messages,messaging_seen,story_insights",
				"callback_url":      callbackURL,
				"verify_token":      verifyToken,
			}).
			Post("/" + account.PageID + "/subscribed_apps")
	})
	return err
}

// IsRateLimited reports whether an error from this gateway is a rate-limit
// rejection.
func IsRateLimited(err error) bool {
	var rl *domain.RateLimitedError
	return errors.As(err, &rl)
}
