package client

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

	"github.com/sony/gobreaker/v2"

	"checkout-service/internal/config"
	"checkout-service/internal/util"
)

var (
	// ErrPaystackRejected is a definitive 4xx answer; retrying the same
	// request will not help.
	ErrPaystackRejected = errors.New("paystack rejected request")
	// ErrPaystackUnavailable covers network failures, 5xx and an open breaker.
	ErrPaystackUnavailable = errors.New("paystack unavailable")
)

const maxProviderBody = 1 << 20

type PaystackInitRequest struct {
	Email       string      `json:"email"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency,omitempty"`
	Reference   string      `json:"reference"`
	CallbackURL string      `json:"callback_url,omitempty"`
	Metadata    interface{} `json:"metadata,omitempty"`
}

type PaystackInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type PaystackTransaction struct {
	Status          string     `json:"status"`
	Reference       string     `json:"reference"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	PaidAt          *time.Time `json:"paid_at"`
	GatewayResponse string     `json:"gateway_response"`
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// PaystackClient calls the transaction API. Calls share one circuit breaker
// so an unhealthy provider fails fast instead of tying up request goroutines.
type PaystackClient struct {
	httpClient  *http.Client
	baseURL     string
	secretKey   string
	callbackURL string
	breaker     *gobreaker.CircuitBreaker[[]byte]
}

func NewPaystackClient(cfg *config.Config) *PaystackClient {
	timeout := cfg.Paystack.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "paystack",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPaystackRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			util.Warn("Circuit breaker state changed",
				util.String("breaker", name),
				util.String("from", from.String()),
				util.String("to", to.String()))
		},
	})

	return &PaystackClient{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimSuffix(cfg.Paystack.BaseURL, "/"),
		secretKey:   cfg.Paystack.SecretKey,
		callbackURL: cfg.Paystack.CallbackURL,
		breaker:     breaker,
	}
}

// InitializeTransaction creates a checkout session. The raw response is
// returned for storage on the intent.
func (p *PaystackClient) InitializeTransaction(ctx context.Context, req PaystackInitRequest) (*PaystackInitData, json.RawMessage, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = p.callbackURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode initialize request: %w", err)
	}

	raw, err := p.call(ctx, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, raw, err
	}

	var data PaystackInitData
	if err := decodeEnvelope(raw, &data); err != nil {
		return nil, raw, err
	}
	if data.AuthorizationURL == "" {
		return nil, raw, fmt.Errorf("%w: missing authorization url", ErrPaystackRejected)
	}
	return &data, raw, nil
}

// VerifyTransaction fetches the provider's view of a reference.
func (p *PaystackClient) VerifyTransaction(ctx context.Context, reference string) (*PaystackTransaction, json.RawMessage, error) {
	raw, err := p.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, raw, err
	}

	var tx PaystackTransaction
	if err := decodeEnvelope(raw, &tx); err != nil {
		return nil, raw, err
	}
	return &tx, raw, nil
}

func (p *PaystackClient) call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rejected []byte
	raw, err := p.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+p.secretKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPaystackUnavailable, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
		if err != nil {
			return nil, fmt.Errorf("%w: reading body: %v", ErrPaystackUnavailable, err)
		}

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: status %d", ErrPaystackUnavailable, resp.StatusCode)
		case resp.StatusCode >= 400:
			rejected = respBody
			return nil, fmt.Errorf("%w: status %d: %s", ErrPaystackRejected, resp.StatusCode, envelopeMessage(respBody))
		}
		return respBody, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrPaystackUnavailable, err)
	}
	if err != nil {
		util.Warn("Paystack call failed",
			util.String("method", method),
			util.String("path", path),
			util.ErrorField(err))
		return rejected, err
	}
	return raw, nil
}

func decodeEnvelope(raw []byte, target interface{}) error {
	var env paystackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrPaystackUnavailable, err)
	}
	if !env.Status {
		return fmt.Errorf("%w: %s", ErrPaystackRejected, env.Message)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("%w: malformed data: %v", ErrPaystackUnavailable, err)
	}
	return nil
}

func envelopeMessage(raw []byte) string {
	var env paystackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Message == "" {
		return http.StatusText(http.StatusBadRequest)
	}
	return env.Message
}

func (p *PaystackClient) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// HealthCheck reports the breaker rather than calling Paystack.
func (p *PaystackClient) HealthCheck(context.Context) error {
	if state := p.BreakerState(); state == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit %s", ErrPaystackUnavailable, state)
	}
	return nil
}
