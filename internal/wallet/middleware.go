package wallet

import (
	"context"
	"errors"
	"net/http"

	"vtu-ledger/internal/auth"

	"github.com/gin-gonic/gin"
)

// WalletReader is the minimal wallet lookup needed by middleware.
type WalletReader interface {
	GetWallet(ctx context.Context, userID string) (Wallet, error)
}

// RequireActiveWallet rejects outgoing-money requests early when the caller's
// wallet is frozen. The store re-checks under lock; this only saves work.
//
// A wallet that does not exist yet is not frozen and passes through.
func RequireActiveWallet(r WalletReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "user_id required"})
			return
		}

		w, err := r.GetWallet(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "wallet lookup failed"})
			return
		}
		if err == nil && w.IsFrozen {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "wallet is frozen"})
			return
		}

		c.Next()
	}
}
