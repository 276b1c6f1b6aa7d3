package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"checkout-service/internal/config"
	"checkout-service/internal/util"
)

var ErrSMSNotConfigured = errors.New("sms gateway not configured")

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"sms"`
	Channel string `json:"channel"`
}

// SMSClient posts messages to a JSON SMS gateway.
type SMSClient struct {
	httpClient *http.Client
	gatewayURL string
	apiKey     string
	senderID   string
}

func NewSMSClient(cfg *config.Config) *SMSClient {
	timeout := cfg.SMS.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SMSClient{
		httpClient: &http.Client{Timeout: timeout},
		gatewayURL: cfg.SMS.GatewayURL,
		apiKey:     cfg.SMS.APIKey,
		senderID:   cfg.SMS.SenderID,
	}
}

func (s *SMSClient) SendOTP(ctx context.Context, to, code string, ttl time.Duration) error {
	if s.gatewayURL == "" {
		return ErrSMSNotConfigured
	}

	body, err := json.Marshal(smsRequest{
		To:      to,
		From:    s.senderID,
		Message: fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(ttl/time.Minute)),
		Channel: "dnd",
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}

	util.Debug("SMS sent", util.String("to", util.MaskIdentifier(to)))
	return nil
}
