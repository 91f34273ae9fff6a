// Package util 提供工具函数
package util

import (
	"context"
	"errors"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrorStats 错误统计
type ErrorStats struct {
	errors map[string]int
	mu     sync.RWMutex
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		errors: make(map[string]int),
	}
}

// statusCoder 带 HTTP 状态码的错误，如 *client.StatusError
type statusCoder interface {
	StatusCode() int
}

// ClassifyError 将错误归类为简短的类别名，用于日志和指标标签。
// 先按错误类型判断，无法识别时再匹配错误信息。
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var sc statusCoder
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &sc):
		return classifyStatus(sc.StatusCode())
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "io_timeout"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"):
		return "dns"
	case strings.Contains(msg, "i/o timeout"):
		return "io_timeout"
	case strings.Contains(msg, "proxyconnect"):
		return "proxy"
	case strings.Contains(msg, "tls:"), strings.Contains(msg, "TLS handshake"):
		return "tls"
	case strings.Contains(msg, "decode"), strings.Contains(msg, "not an image"):
		return "decode"
	case strings.Contains(msg, "out of range"):
		return "out_of_range"
	}
	if code, ok := parseHTTPCode(msg); ok {
		return classifyStatus(code)
	}
	return "other"
}

func classifyStatus(code int) string {
	switch {
	case code == 403, code == 404, code == 429:
		return "http_" + strconv.Itoa(code)
	case code >= 500:
		return "http_5xx"
	case code >= 400:
		return "http_4xx"
	}
	return "other"
}

// parseHTTPCode 从 "HTTP 404" 形式的信息中取出状态码
func parseHTTPCode(msg string) (int, bool) {
	_, rest, found := strings.Cut(msg, "HTTP ")
	if !found || len(rest) < 3 {
		return 0, false
	}
	code, err := strconv.Atoi(rest[:3])
	if err != nil {
		return 0, false
	}
	return code, true
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err error) {
	if err == nil {
		return
	}

	category := ClassifyError(err)

	es.mu.Lock()
	defer es.mu.Unlock()
	es.errors[category]++
}

// GetErrorStats 获取错误统计
func (es *ErrorStats) GetErrorStats() map[string]int {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return maps.Clone(es.errors)
}

// Categories 按名称排序返回已记录的类别
func (es *ErrorStats) Categories() []string {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return slices.Sorted(maps.Keys(es.errors))
}

// HasErrors 检查是否有错误
func (es *ErrorStats) HasErrors() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return len(es.errors) > 0
}
