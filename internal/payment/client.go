package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cfgpkg "github.com/taoyao-code/swap-server/internal/config"
)

// Client HTTP 实现的网关客户端。
// 请求带 HMAC 签名头；状态查询走令牌桶限速，自愈轮询不至于打爆网关。
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	secret     string
	shortCode  string
	callback   string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient 创建网关客户端
func NewClient(cfg cfgpkg.PaymentConfig, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ratePerSec := cfg.QueryRatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	burst := cfg.QueryBurst
	if burst <= 0 {
		burst = ratePerSec * 2
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		secret:     cfg.Secret,
		shortCode:  cfg.ShortCode,
		callback:   cfg.CallbackURL,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		logger:     logger,
	}
}

type initiateRequest struct {
	ShortCode   string  `json:"shortCode"`
	Phone       string  `json:"phone"`
	Amount      float64 `json:"amount"`
	Reference   string  `json:"reference"`
	CallbackURL string  `json:"callbackUrl"`
}

type initiateResponse struct {
	CheckoutRef string `json:"checkoutRef"`
	ResultCode  int    `json:"resultCode"`
	ResultDesc  string `json:"resultDesc"`
}

// InitiateCharge 发起扣款请求
func (c *Client) InitiateCharge(ctx context.Context, phone string, amount float64, reference string) (string, error) {
	body := initiateRequest{
		ShortCode:   c.shortCode,
		Phone:       phone,
		Amount:      amount,
		Reference:   reference,
		CallbackURL: c.callback,
	}

	var resp initiateResponse
	if err := c.post(ctx, "/v1/charges", body, &resp); err != nil {
		return "", err
	}
	if resp.CheckoutRef == "" {
		return "", fmt.Errorf("payment: initiate charge: empty checkout ref (code=%d desc=%q)", resp.ResultCode, resp.ResultDesc)
	}
	return resp.CheckoutRef, nil
}

// QueryStatus 同步查询扣款结果。网关不可达返回 ErrGatewayUnavailable。
func (c *Client) QueryStatus(ctx context.Context, checkoutRef string) (*StatusResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	var resp StatusResult
	body := map[string]string{"checkoutRef": checkoutRef}
	if err := c.post(ctx, "/v1/charges/status", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// post 发送 JSON 请求并解析响应，自动添加签名头。
// canonical string: METHOD\npath\ntimestamp\nnonce\nbodySha256Hex
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	endpoint := c.baseURL + path
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("payment: bad endpoint: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal request: %w", err)
	}

	ts := time.Now().Unix()
	nonce := fmt.Sprintf("%08x", rand.Uint32())
	bodyHash := sha256.Sum256(body)
	bodyHex := hex.EncodeToString(bodyHash[:])
	canonical := fmt.Sprintf("%s\n%s\n%d\n%s\n%s", http.MethodPost, u.Path, ts, nonce, bodyHex)
	sig := SignHMAC(c.secret, canonical)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Nonce", nonce)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment: gateway rejected request: status %d body %s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("payment: decode response: %w", err)
		}
	}
	return nil
}
