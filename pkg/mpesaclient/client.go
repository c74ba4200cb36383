/**
 * @description
 * This package provides a client for the Simple M-Pesa agent API. An agent logs
 * in with email and password to obtain a bearer token, then posts one
 * form-encoded payment per beneficiary account.
 *
 * @dependencies
 * - context, fmt, io, net/http, net/url, time: Standard Go libraries.
 */
package mpesaclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrMissingToken = errors.New("mpesa auth response did not contain a token")

// Client is a client for the Simple M-Pesa API.
type Client struct {
	AuthURL      string
	PaymentURL   string
	Email        string
	Password     string
	CustomerType string
	HTTPClient   *http.Client
}

// NewClient creates a new M-Pesa client. The timeout bounds every HTTP call.
func NewClient(authURL, paymentURL, email, password, customerType string, timeout time.Duration) *Client {
	if customerType == "" {
		customerType = "subscriber"
	}
	return &Client{
		AuthURL:      authURL,
		PaymentURL:   paymentURL,
		Email:        email,
		Password:     password,
		CustomerType: customerType,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PaymentRequest is one form-encoded payment.
type PaymentRequest struct {
	Amount    int64
	AccountNo string
}

// ErrorResponse represents a non-2xx answer from the M-Pesa API.
type ErrorResponse struct {
	StatusCode int
	Body       string
}

func (e *ErrorResponse) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mpesa api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("mpesa api error: status %d: %s", e.StatusCode, e.Body)
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate logs the agent in and returns the bearer token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("email", c.Email)
	form.Set("password", c.Password)

	body, err := c.postForm(ctx, "auth", c.AuthURL, form, "")
	if err != nil {
		return "", err
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if resp.Token == "" {
		return "", ErrMissingToken
	}
	return resp.Token, nil
}

// Pay posts a single payment using a token from Authenticate.
func (c *Client) Pay(ctx context.Context, token string, req PaymentRequest) error {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("accountNo", req.AccountNo)
	form.Set("customerType", c.CustomerType)

	body, err := c.postForm(ctx, "payment", c.PaymentURL, form, token)
	if err != nil {
		return err
	}
	log.Printf("level=info component=mpesa_client op=payment account_no=%s msg=\"payment accepted\" response=%q", req.AccountNo, truncate(string(body), 256))
	return nil
}

func (c *Client) postForm(ctx context.Context, op, endpoint string, form url.Values, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=mpesa_client op=%s status=%d msg=\"non-2xx response\"", op, resp.StatusCode)
		return nil, &ErrorResponse{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

// AccountNoFromFA extracts the account number from a financial address of the
// form "<scheme>:<account>.<provider>...". The account runs from the first ':'
// to the last '.'.
func AccountNoFromFA(fa string) string {
	start := strings.Index(fa, ":") + 1
	end := strings.LastIndex(fa, ".")
	if end < 0 {
		end = len(fa)
	}
	if end < start {
		return ""
	}
	return fa[start:end]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
