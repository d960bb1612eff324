package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnihub/internal/core/domain"
	"omnihub/internal/core/ports"
)

// Resolver maps channel-scoped user ids to local ChannelUser records and
// links them to the cross-channel aggregates. A user record always exists
// after resolution even if profile enrichment never succeeds: the message
// pipeline is never blocked on a profile fetch.
type Resolver struct {
	users   ports.UserRepository
	gateway ports.ChannelGateway
	matcher ports.CustomerMatcher
}

// NewResolver creates a resolver. matcher may be nil when customer linking
// is disabled.
func NewResolver(users ports.UserRepository, gateway ports.ChannelGateway, matcher ports.CustomerMatcher) *Resolver {
	return &Resolver{
		users:   users,
		gateway: gateway,
		matcher: matcher,
	}
}

// GetOrCreateUser returns the ChannelUser for (account, platform user id),
// creating a minimal record immediately when absent and then attempting a
// best-effort profile enrichment. Enrichment failure is logged and swallowed.
func (r *Resolver) GetOrCreateUser(ctx context.Context, account *domain.ChannelAccount, platformUserID string) (*domain.ChannelUser, error) {
	user, err := r.users.GetByPlatformUserID(ctx, account.ID, platformUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("lookup channel user: %w", err)
	}

	user = &domain.ChannelUser{
		AccountID:      account.ID,
		PlatformUserID: platformUserID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.users.Create(ctx, user); err != nil {
		// A concurrent handler may have created the row between our lookup
		// and insert; the unique key makes the re-read authoritative.
		existing, getErr := r.users.GetByPlatformUserID(ctx, account.ID, platformUserID)
		if getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create channel user: %w", err)
	}

	r.enrichProfile(ctx, account, user)

	slog.Info("Created new channel user",
		"account", account.DisplayName(),
		"platform_user_id", platformUserID,
	)
	return user, nil
}

// enrichProfile fetches username/name/avatar from the platform. Best effort:
// the minimal record stands on any failure.
func (r *Resolver) enrichProfile(ctx context.Context, account *domain.ChannelAccount, user *domain.ChannelUser) {
	profile, err := r.gateway.GetUserProfile(ctx, account, user.PlatformUserID)
	if err != nil {
		slog.Warn("Could not fetch profile for new user",
			"platform_user_id", user.PlatformUserID,
			"error", err,
		)
		return
	}

	if err := r.users.UpdateProfile(ctx, user.ID, profile); err != nil {
		slog.Warn("Failed to store enriched profile",
			"platform_user_id", user.PlatformUserID,
			"error", err,
		)
		return
	}

	user.Username = profile.Username
	user.Name = profile.Name
	user.ProfilePictureURL = profile.ProfilePictureURL
}

// MatchCustomer invokes the external customer matcher and records the link.
// Failures are non-fatal to message processing.
func (r *Resolver) MatchCustomer(ctx context.Context, user *domain.ChannelUser) {
	if r.matcher == nil || user.CustomerID != nil {
		return
	}

	customerID, err := r.matcher.MatchOrLink(ctx, user)
	if err != nil {
		slog.Warn("Customer matching failed",
			"channel_user_id", user.ID,
			"error", err,
		)
		return
	}
	if customerID == nil {
		return
	}

	if err := r.users.LinkCustomer(ctx, user.ID, customerID); err != nil {
		slog.Warn("Failed to link customer",
			"channel_user_id", user.ID,
			"customer_id", *customerID,
			"error", err,
		)
		return
	}
	user.CustomerID = customerID
}
