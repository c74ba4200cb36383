/**
 * @description
 * This package provides a client for the Mojaloop SDK scheme adapter's outbound
 * transfers endpoint. The adapter runs inside the payer institution's network,
 * so requests carry no credentials of their own.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Exact transfer amounts.
 */
package mojaloopclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a client for the Mojaloop SDK outbound API.
type Client struct {
	TransfersURL string
	HTTPClient   *http.Client
}

// NewClient creates a new Mojaloop SDK client.
func NewClient(transfersURL string, timeout time.Duration) *Client {
	return &Client{
		TransfersURL: transfersURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Party identifies one side of a transfer.
type Party struct {
	IDType      string `json:"idType"`
	IDValue     string `json:"idValue"`
	DisplayName string `json:"displayName,omitempty"`
}

// TransferRequest is the outbound transfer payload. Amount is encoded as a JSON
// string, which is the Mojaloop wire format for money.
type TransferRequest struct {
	HomeTransactionID string          `json:"homeTransactionId"`
	From              Party           `json:"from"`
	To                Party           `json:"to"`
	Currency          string          `json:"currency"`
	Amount            decimal.Decimal `json:"amount"`
	Note              string          `json:"note,omitempty"`
	TransactionType   string          `json:"transactionType"`
	AmountType        string          `json:"amountType"`
}

// TransferResponse holds the fields of the adapter's answer that callers log.
type TransferResponse struct {
	TransferID   string `json:"transferId"`
	CurrentState string `json:"currentState"`
}

// ErrorResponse represents a non-2xx answer from the adapter.
type ErrorResponse struct {
	StatusCode   int    `json:"-"`
	StatusCodeID string `json:"statusCode"`
	Message      string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mojaloop api error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mojaloop api error: status %d", e.StatusCode)
}

// NewTransferRequest fills the fixed fields of a send-amount transfer.
func NewTransferRequest(homeTransactionID string, from, to Party, currency string, amount decimal.Decimal, note string) TransferRequest {
	return TransferRequest{
		HomeTransactionID: homeTransactionID,
		From:              from,
		To:                to,
		Currency:          currency,
		Amount:            amount,
		Note:              note,
		TransactionType:   "TRANSFER",
		AmountType:        "SEND",
	}
}

// Transfer posts an outbound transfer.
func (c *Client) Transfer(ctx context.Context, payload TransferRequest) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TransfersURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=mojaloop_client op=transfer status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
		} else {
			log.Printf("level=warn component=mojaloop_client op=transfer status=%d message=%q", resp.StatusCode, errResp.Message)
		}
		return nil, errResp
	}

	var transferResp TransferResponse
	if len(bytes.TrimSpace(bodyBytes)) > 0 {
		if err := json.Unmarshal(bodyBytes, &transferResp); err != nil {
			return nil, fmt.Errorf("failed to decode transfer response: %w", err)
		}
	}
	return &transferResp, nil
}

// PayeeIDFromFA extracts the payee id value from a financial address of the form
// "<scheme>:<id>@<provider>". The id runs from the first ':' to the last '@'.
func PayeeIDFromFA(fa string) string {
	start := strings.Index(fa, ":") + 1
	end := strings.LastIndex(fa, "@")
	if end < 0 {
		end = len(fa)
	}
	if end < start {
		return ""
	}
	return fa[start:end]
}
