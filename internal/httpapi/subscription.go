package httpapi

import (
	"errors"
	"net/http"

	"github.com/elysiawen/SubLinks-sub002/internal/logx"
	"github.com/elysiawen/SubLinks-sub002/internal/resolve"
	"github.com/gin-gonic/gin"
)

// handleSubscription serves GET /s/:token. Failure bodies are plain text:
// the clients here are proxy apps, not browsers.
func (h handler) handleSubscription(c *gin.Context) {
	token := c.Param("token")
	userAgent := c.GetHeader("User-Agent")

	res, err := h.opt.Resolver.Resolve(c.Request.Context(), token, userAgent)
	if err != nil {
		var de *resolve.DeniedError
		if errors.As(err, &de) {
			// Policy denial, not a system fault.
			c.String(http.StatusForbidden, de.Reason)
			return
		}
		var se *resolve.ServerError
		if errors.As(err, &se) {
			logx.L().Error("订阅解析失败", "token", token, "err", se.Error())
			c.String(http.StatusBadGateway, se.Reason)
			return
		}
		logx.L().Error("订阅解析内部错误", "token", token, "err", err.Error())
		c.String(http.StatusInternalServerError, "服务端内部错误")
		return
	}

	c.Header("Content-Disposition", contentDispositionAttachment(res.Filename))
	c.Header("Cache-Control", "no-store")
	for k, v := range res.Headers {
		c.Header(k, v)
	}
	c.Data(http.StatusOK, res.ContentType, []byte(res.Body))
}
