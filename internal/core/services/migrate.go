package services

import (
	"context"
	"fmt"
	"log/slog"

	"omnihub/internal/core/ports"
)

// MigrateCredentials encrypts legacy-plaintext account secrets in place. Runs
// once at startup: values already carrying the ciphertext tag are skipped, so
// repeat runs are no-ops. Returns the number of accounts rewritten. On any
// failure it stops without storing plaintext or half-written rows; the next
// startup picks up where it left off.
func MigrateCredentials(ctx context.Context, accounts ports.AccountRepository, vault *Vault) (int, error) {
	list, err := accounts.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	migrated := 0
	for _, account := range list {
		token, secret := account.AccessToken, account.AppSecret
		changed := false

		if token != "" && !IsEncrypted(token) {
			if token, err = vault.Encrypt(token); err != nil {
				return migrated, fmt.Errorf("encrypt access token for account %d: %w", account.ID, err)
			}
			changed = true
		}
		if secret != "" && !IsEncrypted(secret) {
			if secret, err = vault.Encrypt(secret); err != nil {
				return migrated, fmt.Errorf("encrypt app secret for account %d: %w", account.ID, err)
			}
			changed = true
		}
		if !changed {
			continue
		}

		if err := accounts.UpdateCredentials(ctx, account.ID, token, secret); err != nil {
			return migrated, fmt.Errorf("store encrypted credentials for account %d: %w", account.ID, err)
		}
		account.AccessToken = token
		account.AppSecret = secret
		migrated++

		slog.Info("Account credentials encrypted", "account_id", account.ID)
	}
	return migrated, nil
}
