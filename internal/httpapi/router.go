// Package httpapi is the HTTP surface: the subscriber fetch endpoint, the
// key-authenticated refresh endpoint and the streaming admin refresh.
package httpapi

import (
	"context"
	"net/http"

	"github.com/elysiawen/SubLinks-sub002/internal/fetch"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/elysiawen/SubLinks-sub002/internal/resolve"
	"github.com/elysiawen/SubLinks-sub002/internal/store"
	"github.com/gin-gonic/gin"
)

// Refresher abstracts the upstream fetcher so handler tests can fake the
// slow path.
type Refresher interface {
	Refresh(ctx context.Context, sources []string) error
	RefreshWithProgress(ctx context.Context, sources []string, progress fetch.Progress) (fetch.Summary, error)
}

// Resolver abstracts the subscription resolver.
type Resolver interface {
	Resolve(ctx context.Context, token, userAgent string) (*resolve.Result, error)
}

// SessionLookup resolves an admin session token to its identity. The
// session subsystem lives outside this service; only the lookup is injected.
type SessionLookup func(token string) (model.User, bool)

type Options struct {
	Store         *store.Store
	Refresher     Refresher
	Resolver      Resolver
	LookupSession SessionLookup
}

type handler struct {
	opt Options
}

func NewRouter(opt Options) *gin.Engine {
	h := handler{opt: opt}

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	r.GET("/s/:token", h.handleSubscription)
	r.POST("/api/refresh", h.handleAPIRefresh)
	r.GET("/admin/api/refresh/stream", adminAuth(opt.LookupSession), h.handleRefreshStream)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusForbidden, gin.H{"error": "访问被拒绝"})
	})

	return r
}
