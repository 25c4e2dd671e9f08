// licensing.go implements serial-key redemption and subscription status for
// pro deployments. The identity here is the caller-supplied user identifier,
// not an email: the relay never learns who a license belongs to.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lusky3/underseerr-sub002/internal/license"
)

// LicenseHandlers holds the licensing route handlers.
type LicenseHandlers struct {
	licenses LicenseStore
}

// NewLicenseHandlers creates the licensing handler set.
func NewLicenseHandlers(licenses LicenseStore) *LicenseHandlers {
	return &LicenseHandlers{licenses: licenses}
}

type validateKeyRequest struct {
	Key    string `json:"key"`
	UserID string `json:"userId"`
}

// ValidateKey redeems a serial key for the given user. A key that does not
// exist and a key that was already consumed both answer 401; the distinction
// is not leaked.
func (h *LicenseHandlers) ValidateKey(c *gin.Context) {
	var req validateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key and userId are required"})
		return
	}

	lic, err := h.licenses.RedeemKey(c.Request.Context(), req.UserID, req.Key)
	if err != nil {
		if errors.Is(err, license.ErrKeyUnavailable) {
			c.JSON(http.StatusUnauthorized, gin.H{"isPremium": false})
			return
		}
		slog.Error("redeeming serial key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation failed"})
		return
	}

	slog.Info("serial key redeemed", "user", req.UserID, "expires", lic.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{
		"isPremium": true,
		"expiresAt": lic.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// SubscriptionStatus reports whether the user holds an unexpired license.
// Absence of any license and an expired license both read as free tier.
func (h *LicenseHandlers) SubscriptionStatus(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	lic, err := h.licenses.ActiveLicense(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, license.ErrNoLicense) {
			c.JSON(http.StatusOK, gin.H{"isPremium": false, "expiresAt": nil})
			return
		}
		slog.Error("looking up subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	if !lic.Active(time.Now()) {
		c.JSON(http.StatusOK, gin.H{"isPremium": false, "expiresAt": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"isPremium": true,
		"expiresAt": lic.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
