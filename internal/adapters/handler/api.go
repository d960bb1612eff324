package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"omnihub/internal/core/domain"
	"omnihub/internal/core/ports"
	"omnihub/internal/core/services"
)

// APIHandler exposes the outbound send, health-check, and status endpoints.
type APIHandler struct {
	accounts  ports.AccountRepository
	resolver  *services.Resolver
	messenger *services.Messenger
	startedAt time.Time
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(accounts ports.AccountRepository, resolver *services.Resolver, messenger *services.Messenger) *APIHandler {
	return &APIHandler{
		accounts:  accounts,
		resolver:  resolver,
		messenger: messenger,
		startedAt: time.Now(),
	}
}

// sendRequest is the outbound send API body.
type sendRequest struct {
	AccountID      int64  `json:"account_id"`
	PlatformUserID string `json:"platform_user_id"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
}

// sendResult is the outbound send API success payload.
type sendResult struct {
	MessageID         string `json:"message_id"`
	PlatformMessageID string `json:"platform_message_id"`
	Status            string `json:"status"`
}

// HandleSend services POST /api/messages/send.
func (h *APIHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AccountID == 0 || req.PlatformUserID == "" {
		WriteError(w, http.StatusBadRequest, "account_id and platform_user_id are required")
		return
	}
	if req.Text == "" && req.MediaURL == "" {
		WriteError(w, http.StatusBadRequest, "either text or media_url is required")
		return
	}

	account, err := h.accounts.GetByID(r.Context(), req.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "account not found")
			return
		}
		slog.Error("Account lookup failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := h.resolver.GetOrCreateUser(r.Context(), account, req.PlatformUserID)
	if err != nil {
		slog.Error("User resolution failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "could not resolve recipient")
		return
	}

	msg, err := h.messenger.Send(r.Context(), account, user, domain.OutboundContent{
		Text:      req.Text,
		MediaURL:  req.MediaURL,
		MediaType: req.MediaType,
	})
	if err != nil {
		h.writeSendError(w, msg, err)
		return
	}

	WriteJSON(w, http.StatusOK, "sent", sendResult{
		MessageID:         msg.MessageID,
		PlatformMessageID: msg.PlatformMessageID,
		Status:            msg.Status,
	})
}

// writeSendError maps send failures onto HTTP statuses. The failed message
// state is already persisted; agents see it and retry as a new send.
func (h *APIHandler) writeSendError(w http.ResponseWriter, msg *domain.ChannelMessage, err error) {
	var rateErr *domain.RateLimitedError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.WaitSeconds))
		WriteJSON(w, http.StatusTooManyRequests, err.Error(), map[string]any{
			"wait_seconds": rateErr.WaitSeconds,
		})
		return
	}

	var apiErr *domain.ChannelAPIError
	if errors.As(err, &apiErr) {
		data := map[string]any{}
		if msg != nil {
			data["message_id"] = msg.MessageID
			data["status"] = msg.Status
		}
		WriteJSON(w, http.StatusBadGateway, apiErr.Error(), data)
		return
	}

	WriteError(w, http.StatusInternalServerError, err.Error())
}

// HandleHealthCheck services POST /api/accounts/{id}/health-check.
func (h *APIHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Path shape: /api/accounts/{id}/health-check
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}
	accountID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "account not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	info, err := h.messenger.HealthCheck(r.Context(), account)
	if err != nil {
		WriteJSON(w, http.StatusBadGateway, "health check failed", map[string]any{
			"status":     account.Status,
			"is_healthy": account.IsHealthy,
			"error":      account.LastErrorMessage,
		})
		return
	}

	WriteJSON(w, http.StatusOK, "healthy", map[string]any{
		"status":     account.Status,
		"is_healthy": account.IsHealthy,
		"username":   info.Username,
		"followers":  info.FollowersCount,
	})
}

// HandleStatus services GET /api/status with process and host metrics.
func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := map[string]any{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory_percent"] = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		status["disk_percent"] = du.UsedPercent
	}

	WriteJSON(w, http.StatusOK, "ok", status)
}
