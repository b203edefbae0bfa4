package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/elysiawen/SubLinks-sub002/internal/document"
	"github.com/elysiawen/SubLinks-sub002/internal/fetch"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/gin-gonic/gin"
)

// writeErrorFromErr is the JSON error funnel for administrative endpoints.
func writeErrorFromErr(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		c.JSON(http.StatusBadGateway, model.ErrorResponse{Error: fe.AppError})
		return
	}

	var pe *document.ParseError
	if errors.As(err, &pe) {
		c.JSON(http.StatusUnprocessableEntity, model.ErrorResponse{Error: pe.AppError})
		return
	}

	c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	}})
}

func contentDispositionAttachment(filename string) string {
	// RFC 6266 + RFC 5987; both forms for UTF-8 filename compatibility.
	escaped := strings.ReplaceAll(filename, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", escaped, pctEncode(filename))
}

func pctEncode(s string) string {
	// Go's QueryEscape uses '+' for spaces; rewrite to %20 for stability.
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
