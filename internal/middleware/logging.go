package middleware

import (
	"bytes"
	"io"
	"morpho-bot/pkg/log"
	"time"

	"github.com/gin-gonic/gin"
)

// maxLoggedBody 是日志中记录的请求/响应体最大字节数。
const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// RequestLogger 是一个 Gin 中间件，用于记录详细的请求和响应日志。
// redactPaths 中的路径（如登录接口）不记录请求体和响应体。
func RequestLogger(redactPaths ...string) gin.HandlerFunc {
	redacted := make(map[string]struct{}, len(redactPaths))
	for _, p := range redactPaths {
		redacted[p] = struct{}{}
	}

	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		// 读取并重新缓存请求体
		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		loggedRequest, loggedResponse := truncateBody(requestBody), truncateBody(blw.body.Bytes())
		if _, ok := redacted[path]; ok {
			loggedRequest, loggedResponse = "[redacted]", "[redacted]"
		}
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"requestBody", loggedRequest,
			"responseBody", loggedResponse,
		)
	}
}

func truncateBody(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "...(truncated)"
	}
	return string(b)
}
