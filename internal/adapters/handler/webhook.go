package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"omnihub/internal/adapters/dto"
	"omnihub/internal/core/domain"
	"omnihub/internal/core/ports"
	"omnihub/internal/core/services"
)

// WebhookHandler is the ingress for Graph webhook deliveries. Per delivery it
// walks received -> signature-verified -> account-resolved -> dispatched,
// short-circuiting to an HTTP error at each step. Once an event is durably
// recorded, downstream failures still answer 200 to avoid redelivery storms;
// failures before that point answer non-2xx so the platform retries.
type WebhookHandler struct {
	accounts  ports.AccountRepository
	processor *services.Processor
	vault     *services.Vault
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(accounts ports.AccountRepository, processor *services.Processor, vault *services.Vault) *WebhookHandler {
	return &WebhookHandler{
		accounts:  accounts,
		processor: processor,
		vault:     vault,
	}
}

// ServeHTTP routes the two webhook methods.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.HandleVerify(w, r)
	case http.MethodPost:
		h.HandleEvent(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// HandleVerify handles the webhook verification handshake: the platform
// presents hub.mode=subscribe, hub.verify_token and hub.challenge; if some
// account's stored verify-token matches, the challenge is echoed back
// verbatim as plain text.
func (h *WebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || token == "" {
		slog.Warn("Webhook verification with bad mode or empty token",
			"mode", mode,
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	account, err := h.accounts.GetByVerifyToken(r.Context(), token)
	if err != nil {
		slog.Warn("Webhook verification failed: no account for token")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	slog.Info("Webhook verification successful",
		"account", account.DisplayName(),
	)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// HandleEvent handles an event delivery. The account is resolved from the
// payload before signature verification, since the secret needed to verify
// depends on which account the delivery targets.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	env, err := dto.ParseEnvelope(body)
	if err != nil {
		slog.Warn("Malformed webhook body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	platformAccountID := env.PlatformAccountID()
	account, err := h.accounts.GetByPlatformAccountID(r.Context(), platformAccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("Webhook for unknown account",
				"platform_account_id", platformAccountID,
			)
			http.Error(w, "Account Not Found", http.StatusNotFound)
			return
		}
		slog.Error("Account lookup failed", "error", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	if err := h.verifySignature(account, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		slog.Warn("Webhook signature rejected",
			"account", account.DisplayName(),
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// Durable recording happens inside Process; an error here means the
	// event was NOT recorded and the platform should redeliver.
	if err := h.processor.Process(r.Context(), account, env, body); err != nil {
		slog.Error("Failed to record webhook event", "error", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// X-Hub-Signature-256 header, keyed by the account's app secret, using a
// constant-time comparison.
func (h *WebhookHandler) verifySignature(account *domain.ChannelAccount, body []byte, header string) error {
	if header == "" {
		return domain.ErrSignatureInvalid
	}

	received := strings.TrimPrefix(header, "sha256=")

	secret, err := h.vault.Decrypt(account.AppSecret)
	if err != nil {
		// Undecryptable secret: verification proceeds with the raw stored
		// value; a mismatch then surfaces the misconfiguration as 403s.
		slog.Warn("Using raw stored app secret for verification",
			"account_id", account.ID,
			"error", err,
		)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(computed), []byte(received)) {
		return domain.ErrSignatureInvalid
	}
	return nil
}
