// relay.go implements the push relay surface: device registration, webhook
// notification dispatch, and opaque encrypted Web Push forwarding.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lusky3/underseerr-sub002/internal/fcm"
	"github.com/lusky3/underseerr-sub002/internal/identity"
	"github.com/lusky3/underseerr-sub002/internal/store"
	"github.com/lusky3/underseerr-sub002/internal/telemetry"
)

// maxRawPushBody bounds opaque Web Push payloads. Encrypted Web Push messages
// are capped at 4 KiB by the protocol; 64 KiB leaves generous headroom.
const maxRawPushBody = 64 << 10

// Pusher sends a message to the provider and returns its message identifier.
// *fcm.Client satisfies it.
type Pusher interface {
	Send(ctx context.Context, msg *fcm.Message) (string, error)
}

// RelayHandlers holds the relay route handlers and their backends.
type RelayHandlers struct {
	tokens store.Store
	pusher Pusher
}

// NewRelayHandlers creates the relay handler set.
func NewRelayHandlers(tokens store.Store, pusher Pusher) *RelayHandlers {
	return &RelayHandlers{tokens: tokens, pusher: pusher}
}

type registerRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

// Register stores a device token under the hashed email identity.
// Re-registration overwrites: last write wins.
func (h *RelayHandlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and token are required"})
		return
	}

	key := identity.Hash(req.Email)
	if err := h.tokens.Put(c.Request.Context(), key, req.Token); err != nil {
		slog.Error("storing device token", "error", err, "identity", key)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	telemetry.DeviceRegistrationsTotal.Inc()
	slog.Info("device registered", "identity", key)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// webhookRequest is the loosely-typed upstream webhook body. The target email
// may arrive under several field names depending on the notification type.
type webhookRequest struct {
	Email            string `json:"email"`
	NotifyUserEmail  string `json:"notifyuser_email"`
	RequestedByEmail string `json:"requestedBy_email"`
	Subject          string `json:"subject"`
	Message          string `json:"message"`
	Image            string `json:"image"`
	NotificationType string `json:"notification_type"`
}

// targetEmail returns the first non-empty target field.
func (r *webhookRequest) targetEmail() string {
	for _, e := range []string{r.Email, r.NotifyUserEmail, r.RequestedByEmail} {
		if strings.TrimSpace(e) != "" {
			return e
		}
	}
	return ""
}

// Webhook relays a structured notification from the upstream media server to
// the device registered for the target email. The 404 for an unknown identity
// is deliberately generic so callers cannot probe which emails are registered.
func (h *RelayHandlers) Webhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	email := req.targetEmail()
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no target email"})
		return
	}

	key := identity.Hash(email)
	token, err := h.tokens.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		slog.Error("token lookup failed", "error", err, "identity", key)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}

	msg := fcm.NotificationData(token, req.Subject, req.Message, req.Image, req.NotificationType)
	messageID, err := h.pusher.Send(c.Request.Context(), msg)
	if err != nil {
		h.handleSendFailure(c, "notification", key, err)
		return
	}

	telemetry.PushSendsTotal.WithLabelValues("notification", "success").Inc()
	c.JSON(http.StatusOK, gin.H{"success": true, "messageId": messageID})
}

// RawPush forwards an already-encrypted Web Push payload byte-for-byte to the
// device token in the path. The relay never inspects the payload.
func (h *RelayHandlers) RawPush(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing device token"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRawPushBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	msg, err := fcm.WebPushData(token, payload, c.Request.Header)
	if err != nil {
		slog.Error("building web push message", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}

	name, err := h.pusher.Send(c.Request.Context(), msg)
	if err != nil {
		// Raw push targets a caller-supplied token with no store entry to
		// evict, so every failure is an upstream failure.
		outcome := "error"
		if errors.Is(err, fcm.ErrUnregistered) {
			outcome = "unregistered"
		}
		telemetry.PushSendsTotal.WithLabelValues("webpush", outcome).Inc()
		slog.Error("web push relay failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream send failed"})
		return
	}

	telemetry.PushSendsTotal.WithLabelValues("webpush", "success").Inc()
	c.JSON(http.StatusCreated, gin.H{"success": true, "fcm": name})
}

// handleSendFailure maps a provider send error to the client response. When
// the provider reports the token as unregistered the stale registration is
// evicted so future webhooks 404 instead of repeatedly hitting the provider.
func (h *RelayHandlers) handleSendFailure(c *gin.Context, kind, key string, err error) {
	if errors.Is(err, fcm.ErrUnregistered) {
		telemetry.PushSendsTotal.WithLabelValues(kind, "unregistered").Inc()
		if delErr := h.tokens.Delete(c.Request.Context(), key); delErr != nil {
			slog.Error("evicting stale token", "error", delErr, "identity", key)
		} else {
			telemetry.StaleTokensEvictedTotal.Inc()
			slog.Info("stale token evicted", "identity", key)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream send failed"})
		return
	}

	telemetry.PushSendsTotal.WithLabelValues(kind, "error").Inc()
	slog.Error("push send failed", "error", err, "identity", key)
	c.JSON(http.StatusBadGateway, gin.H{"error": "upstream send failed"})
}
