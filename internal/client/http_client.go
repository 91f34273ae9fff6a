// Package client 提供HTTP客户端相关功能
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/geoyee/tilestitch/internal/logging"
)

const (
	// MaxIdleConns 最大空闲连接数
	MaxIdleConns = 200
	// MaxIdleConnsPerHost 每个主机的最大空闲连接数
	MaxIdleConnsPerHost = 50
	// MaxConnsPerHost 每个主机的最大连接数
	MaxConnsPerHost = 50
	// IdleConnTimeout 空闲连接超时时间
	IdleConnTimeout = 30 * time.Second
	// DefaultTimeout 单次请求超时
	DefaultTimeout = 10 * time.Second
	// DefaultUserAgent 请求标识
	DefaultUserAgent = "tilestitch/1.0 (+https://github.com/geoyee/tilestitch)"
	// DefaultMaxBodySize 单个瓦片最大字节数
	DefaultMaxBodySize = 8 << 20
)

// StatusError 非 200 响应
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

// Temporary 5xx 与 429 可重试，其余 4xx 不重试
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// HTTPClient HTTP客户端封装
type HTTPClient struct {
	client *http.Client
	config Config
}

// Config HTTP客户端配置
type Config struct {
	Timeout     time.Duration
	ProxyURL    string
	UseHTTP2    bool
	UserAgent   string
	MaxBodySize int64
	Logger      logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	c.Logger = logging.OrNop(c.Logger)
	return c
}

// NewHTTPClient 创建新的HTTP客户端
func NewHTTPClient(config Config) *HTTPClient {
	config = config.withDefaults()
	return &HTTPClient{
		config: config,
		client: createHTTPClient(config),
	}
}

// createHTTPClient 创建HTTP客户端
func createHTTPClient(config Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     config.UseHTTP2,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		MaxConnsPerHost:       MaxConnsPerHost,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		DisableCompression:    true,
	}

	// 设置代理
	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			config.Logger.Warn("invalid proxy url, using environment", "proxy", config.ProxyURL, "error", err)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
			config.Logger.Info("proxy configured", "host", proxyURL.Host)
		}
	}

	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if config.UseHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			config.Logger.Warn("http2 transport setup failed", "error", err)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}

// Get 发起 GET 请求并返回响应体，非 200 返回 *StatusError
func (c *HTTPClient) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer SafeCloseResponse(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > c.config.MaxBodySize {
		return nil, fmt.Errorf("response body exceeds %d bytes", c.config.MaxBodySize)
	}
	return data, nil
}

// GetClient 获取HTTP客户端
func (c *HTTPClient) GetClient() *http.Client {
	return c.client
}

// UserAgent 返回请求使用的 User-Agent
func (c *HTTPClient) UserAgent() string {
	return c.config.UserAgent
}

// SafeCloseResponse 安全关闭响应体
func SafeCloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
