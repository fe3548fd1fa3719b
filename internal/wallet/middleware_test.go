package wallet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"vtu-ledger/internal/auth"

	"github.com/gin-gonic/gin"
)

type fakeWalletReader struct {
	w   Wallet
	err error
}

func (f fakeWalletReader) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	return f.w, f.err
}

func serveActiveWallet(r WalletReader, userID string) int {
	gin.SetMode(gin.TestMode)

	e := gin.New()
	e.POST("/x", func(c *gin.Context) {
		if userID != "" {
			ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{UserID: userID, Role: "user"})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, RequireActiveWallet(r), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	return w.Code
}

func TestRequireActiveWallet_BlocksFrozen(t *testing.T) {
	code := serveActiveWallet(fakeWalletReader{w: Wallet{UserID: "u1", IsFrozen: true}}, "u1")
	if code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireActiveWallet_AllowsActiveAndMissing(t *testing.T) {
	if code := serveActiveWallet(fakeWalletReader{w: Wallet{UserID: "u1"}}, "u1"); code != 200 {
		t.Fatalf("expected 200 for active wallet, got %d", code)
	}
	if code := serveActiveWallet(fakeWalletReader{err: ErrNotFound}, "u1"); code != 200 {
		t.Fatalf("expected 200 for missing wallet, got %d", code)
	}
}

func TestRequireActiveWallet_RequiresIdentity(t *testing.T) {
	if code := serveActiveWallet(fakeWalletReader{}, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}
