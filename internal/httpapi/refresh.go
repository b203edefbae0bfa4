package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/elysiawen/SubLinks-sub002/internal/fetch"
	"github.com/elysiawen/SubLinks-sub002/internal/logx"
	"github.com/gin-gonic/gin"
)

type refreshRequest struct {
	Key      string   `json:"key"`
	Sources  []string `json:"sources"`
	Precache bool     `json:"precache"`
}

// handleAPIRefresh serves POST /api/refresh, authenticated by the shared
// refresh API key rather than a session. The key is accepted from the
// Authorization Bearer header, the `key` query parameter or the body field,
// checked in that precedence order.
func (h handler) handleAPIRefresh(c *gin.Context) {
	ctx := c.Request.Context()

	var req refreshRequest
	if c.Request.Body != nil {
		// Body is optional; ignore decode errors for an empty body.
		_ = json.NewDecoder(c.Request.Body).Decode(&req)
	}

	key := bearerToken(c.GetHeader("Authorization"))
	if key == "" {
		key = c.Query("key")
	}
	if key == "" {
		key = req.Key
	}

	cfg, err := h.opt.Store.GlobalConfig(ctx)
	if err != nil {
		writeErrorFromErr(c, err)
		return
	}
	if cfg.RefreshAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cfg.RefreshAPIKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "刷新密钥无效"})
		return
	}

	matched, unknown := fetch.FilterSources(cfg.SourceURLs, req.Sources)
	if len(unknown) > 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "未知的上游源", "unknown": unknown})
		return
	}

	summary, err := h.opt.Refresher.RefreshWithProgress(ctx, matched, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     err.Error(),
			"refreshed": summary.Refreshed,
			"failed":    summary.Failed,
		})
		return
	}

	precached := 0
	if req.Precache {
		precached = h.precacheSubscriptions(c)
	}

	c.JSON(http.StatusOK, gin.H{
		"refreshed": summary.Refreshed,
		"failed":    summary.Failed,
		"precached": precached,
	})
}

// precacheSubscriptions eagerly resolves every enabled subscription so the
// first real client request after a refresh hits warm work only.
func (h handler) precacheSubscriptions(c *gin.Context) int {
	ctx := c.Request.Context()

	cfg, err := h.opt.Store.GlobalConfig(ctx)
	if err != nil {
		return 0
	}
	// Pick a UA that passes the allow-list, if one is configured.
	userAgent := ""
	if len(cfg.UAAllowList) > 0 {
		userAgent = cfg.UAAllowList[0]
	}

	subs, err := h.opt.Store.ListSubscriptions(ctx)
	if err != nil {
		logx.L().Warn("预热：读取订阅列表失败", "err", err.Error())
		return 0
	}

	count := 0
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		if _, err := h.opt.Resolver.Resolve(ctx, sub.Token, userAgent); err == nil {
			count++
		}
	}
	return count
}

// handleRefreshStream serves the admin streaming refresh: newline-delimited
// JSON progress events over a chunked response, one per source step, then a
// final summary event.
func (h handler) handleRefreshStream(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	enc := json.NewEncoder(c.Writer)
	emit := func(message, typ string) {
		_ = enc.Encode(gin.H{"message": message, "type": typ})
		if flusher != nil {
			flusher.Flush()
		}
	}

	summary, err := h.opt.Refresher.RefreshWithProgress(c.Request.Context(), nil, emit)
	if err != nil {
		_ = enc.Encode(gin.H{
			"message": err.Error(),
			"type":    "error",
			"summary": summary,
		})
		return
	}
	_ = enc.Encode(gin.H{
		"message": "刷新完成",
		"type":    "success",
		"summary": summary,
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
