// Package creditrail is a thin Go client for the CreditRail REST API.
package creditrail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom
// http.Client. Intentionally short so network calls cannot hang callers.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the CreditRail REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// Offer mirrors the offer representation returned by the API.
type Offer struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	Borrower     string `json:"borrower"`
	Nonce        uint64 `json:"nonce"`
	Principal    string `json:"principal"`
	RateBps      uint32 `json:"rate_bps"`
	DueAt        uint64 `json:"due_at"`
	IssuedAt     uint64 `json:"issued_at"`
	ExpiresAt    uint64 `json:"expires_at"`
	Action       uint8  `json:"action"`
	MetadataHash string `json:"metadata_hash"`
	Signature    string `json:"signature"`
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash,omitempty"`
	LoanID       uint64 `json:"loan_id,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// IssueOfferRequest carries the terms for a new loan offer.
type IssueOfferRequest struct {
	Borrower        string `json:"borrower"`
	Principal       string `json:"principal"`
	RateBps         uint32 `json:"rate_bps"`
	DurationSeconds uint64 `json:"duration_seconds"`
	Action          uint8  `json:"action"`
	TTLSeconds      uint64 `json:"ttl_seconds,omitempty"`
	MetadataHash    string `json:"metadata_hash,omitempty"`
}

// ExecuteOfferRequest submits a borrower countersignature for execution.
type ExecuteOfferRequest struct {
	Borrower  string `json:"borrower"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// ExecuteResult is the settled execution outcome.
type ExecuteResult struct {
	TxHash string `json:"tx_hash"`
	LoanID uint64 `json:"loan_id"`
}

// RegisterPolicyRequest submits a borrower-signed policy registration.
type RegisterPolicyRequest struct {
	Borrower  string `json:"borrower"`
	IssuedAt  uint64 `json:"issued_at"`
	ExpiresAt uint64 `json:"expires_at"`
	Signature string `json:"signature"`
}

// RegisterPolicyResult reports the mined registration transaction.
type RegisterPolicyResult struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

// ActivityEvent is one entry of the activity feed.
type ActivityEvent struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	AgentID   string    `json:"agent_id,omitempty"`
	Borrower  string    `json:"borrower,omitempty"`
	LoanID    uint64    `json:"loan_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Block     uint64    `json:"block,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityFilter narrows ListActivity queries. Zero values are omitted.
type ActivityFilter struct {
	AgentID  string
	Borrower string
	LoanID   uint64
	Category string
	Limit    int
	Before   time.Time
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("creditrail api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("creditrail api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates an API client. When httpClient is nil, a default
// client with a sensible timeout is used.
func NewClient(rawURL, token string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, token: token}, nil
}

// IssueOffer requests a signed loan offer.
func (c *Client) IssueOffer(ctx context.Context, req IssueOfferRequest) (Offer, error) {
	var offer Offer
	if err := c.post(ctx, "/api/v1/offers", req, &offer); err != nil {
		return Offer{}, err
	}
	return offer, nil
}

// ExecuteOffer submits the borrower countersignature and waits for the
// settled result.
func (c *Client) ExecuteOffer(ctx context.Context, req ExecuteOfferRequest) (ExecuteResult, error) {
	var result ExecuteResult
	if err := c.post(ctx, "/api/v1/offers/execute", req, &result); err != nil {
		return ExecuteResult{}, err
	}
	return result, nil
}

// RegisterPolicy submits a borrower-signed policy registration.
func (c *Client) RegisterPolicy(ctx context.Context, req RegisterPolicyRequest) (RegisterPolicyResult, error) {
	var result RegisterPolicyResult
	if err := c.post(ctx, "/api/v1/policies", req, &result); err != nil {
		return RegisterPolicyResult{}, err
	}
	return result, nil
}

// ListActivity queries the activity feed.
func (c *Client) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEvent, error) {
	query := url.Values{}
	if filter.AgentID != "" {
		query.Set("agent_id", filter.AgentID)
	}
	if filter.Borrower != "" {
		query.Set("borrower", filter.Borrower)
	}
	if filter.LoanID != 0 {
		query.Set("loan_id", strconv.FormatUint(filter.LoanID, 10))
	}
	if filter.Category != "" {
		query.Set("category", filter.Category)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if !filter.Before.IsZero() {
		query.Set("before", filter.Before.Format(time.RFC3339))
	}

	endpoint := "/api/v1/activity"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp struct {
		Events []ActivityEvent `json:"events"`
	}
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token == "" {
		return nil, errors.New("creditrail: bearer token is not set")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
