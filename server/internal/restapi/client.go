package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"culinary-atlas/server/internal/config"
	"culinary-atlas/server/internal/model"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// APIError 服务端返回的业务错误，Message 来自 { success:false, message } 信封
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (status %d)", e.Status)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// IsNotFound 判断是否为 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// TokenSource 提供当前会话 token
type TokenSource interface {
	Token() string
}

// Client Culinary Atlas REST 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient 创建 REST 客户端；tokens 可为 nil（匿名请求）
func NewClient(cfg config.APIConfig, tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     logger,
	}

	if cfg.Breaker.Enabled {
		threshold := cfg.Breaker.ConsecutiveFailures
		if threshold == 0 {
			threshold = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "atlas-api",
			Timeout: cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// 4xx 是调用方的问题，不计入熔断
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return apiErr.Status < http.StatusInternalServerError
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("api circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return c
}

// do 发送请求并解开 { success, data, message } 信封，out 为 data 的目标
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	call := func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	}
	if c.breaker == nil {
		_, err := call()
		return err
	}
	_, err := c.breaker.Execute(call)
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		// 204 等无响应体的成功响应
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode}
		}
		return nil
	}

	var env model.Envelope[json.RawMessage]
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		status := resp.StatusCode
		if status < 300 {
			// 200 但 success=false，按业务错误处理
			status = http.StatusUnprocessableEntity
		}
		return &APIError{Status: status, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}

func pageQuery(page, limit int) string {
	q := url.Values{}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
