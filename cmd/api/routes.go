package main

import (
	"context"
	"net/http"

	"vtu-ledger/internal/httpapi"
	"vtu-ledger/internal/metrics"
	"vtu-ledger/internal/rbac"
	"vtu-ledger/internal/wallet"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	authMW  gin.HandlerFunc
	wallets wallet.WalletReader
	ready   func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := d.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Gateway webhooks are authenticated by signature, not by token.
	r.POST("/wallet/webhook", h.Webhook)

	// WALLET routes
	w := r.Group("/wallet")
	w.Use(d.authMW, rbac.RequireIdentity())
	{
		w.GET("", h.GetWallet)
		w.GET("/transactions", h.ListTransactions)
		w.GET("/transactions/:reference", h.GetTransaction)
		w.GET("/summary", h.Summary)

		w.POST("/fund", h.Fund)
		w.POST("/verify", h.Verify)
		w.POST("/poll", h.Poll)

		// Outgoing money
		active := w.Group("")
		active.Use(wallet.RequireActiveWallet(d.wallets))
		{
			active.POST("/withdraw", h.Withdraw)
			active.POST("/transfer", h.Transfer)
		}
	}

	// VTU routes
	v := r.Group("/vtu")
	v.Use(d.authMW, rbac.RequireIdentity(), wallet.RequireActiveWallet(d.wallets))
	{
		v.POST("/purchase", h.Purchase)
	}

	// ADMIN routes
	admin := r.Group("/admin")
	admin.Use(d.authMW, rbac.RequireAdmin())
	{
		admin.POST("/wallets/:user_id/freeze", h.FreezeWallet)
		admin.POST("/wallets/:user_id/unfreeze", h.UnfreezeWallet)
		admin.PUT("/wallets/:user_id/limits", h.SetLimits)
		admin.POST("/wallets/:user_id/credit", h.AdminCredit)
	}
}
