// Package notify предоставляет клиент отправки push-уведомлений.
//
// Отправка выполняется по принципу fire-and-forget: сбой доставки
// логируется и никогда не блокирует основной поток переговоров.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client инкапсулирует HTTP-взаимодействие с внешним сервисом уведомлений.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

type pushRequest struct {
	OwnerToken string `json:"owner_token"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

type pushResponse struct {
	Delivered bool `json:"delivered"`
}

// NewClient создаёт клиент отправки уведомлений по указанному адресу.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
		logger:     logger,
	}
}

// Notify отправляет уведомление владельцу токена и возвращает признак доставки.
func (c *Client) Notify(ctx context.Context, ownerToken, title, body string) bool {
	if c == nil || c.baseURL == "" {
		return false
	}

	payload, err := json.Marshal(pushRequest{OwnerToken: ownerToken, Title: title, Body: body})
	if err != nil {
		c.logger.Warn("marshal push request", zap.Error(err))
		return false
	}

	url := fmt.Sprintf("%s/api/push", c.baseURL)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		c.logger.Warn("build push request", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("send push", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("push rejected", zap.Int("status", resp.StatusCode))
		return false
	}

	var pr pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		c.logger.Warn("decode push response", zap.Error(err))
		return false
	}

	return pr.Delivered
}
