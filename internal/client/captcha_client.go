package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-service/internal/config"
)

type captchaResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// CaptchaClient checks tokens against a siteverify endpoint (hCaptcha,
// reCAPTCHA and Turnstile share the contract).
type CaptchaClient struct {
	httpClient *http.Client
	verifyURL  string
	secret     string
}

func NewCaptchaClient(cfg *config.Config) *CaptchaClient {
	timeout := cfg.Captcha.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CaptchaClient{
		httpClient: &http.Client{Timeout: timeout},
		verifyURL:  cfg.Captcha.VerifyURL,
		secret:     cfg.Captcha.SecretKey,
	}
}

// Verify reports whether the provider accepted token. Transport failures are
// returned as errors, never as acceptance.
func (c *CaptchaClient) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if token == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha verify failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha verify returned status %d", resp.StatusCode)
	}

	var out captchaResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, fmt.Errorf("captcha verify decode failed: %w", err)
	}
	return out.Success, nil
}
