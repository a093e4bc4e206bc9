// Package bountyboardsdk is a minimal Go client for the bounty board HTTP
// API.
package bountyboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal bounty board HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// BountyPost is the API post model.
type BountyPost struct {
	ID          string `json:"id"`
	CreatorID   string `json:"creator_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	BountyPrice int64  `json:"bounty_price"`
	Visibility  string `json:"visibility"`
	Upvotes     int    `json:"upvotes"`
	Downvotes   int    `json:"downvotes"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Solution is the API solution model.
type Solution struct {
	ID           string `json:"id"`
	BountyPostID string `json:"bounty_post_id"`
	SubmitterID  string `json:"submitter_id"`
	Content      string `json:"content"`
	Approved     bool   `json:"approved"`
	CreatedAt    string `json:"created_at"`
}

// Checkout is a created hosted checkout session.
type Checkout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// VoteResult reports a vote outcome with the post's current counters.
type VoteResult struct {
	Outcome   string `json:"outcome"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`
}

// ReconcileResult reports what reconciling a session did.
type ReconcileResult struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Kind    string `json:"kind,omitempty"`
	PostID  string `json:"post_id,omitempty"`
	Amount  int64  `json:"amount,omitempty"`
}

// PayoutAccount is the caller's linked payout destination.
type PayoutAccount struct {
	UserID     string `json:"user_id"`
	AccountRef string `json:"account_ref"`
	CreatedAt  string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePost creates a draft post.
func (c *Client) CreatePost(ctx context.Context, title, description string, bountyPrice int64) (BountyPost, error) {
	body := map[string]any{
		"title":        title,
		"description":  description,
		"bounty_price": bountyPrice,
	}
	var resp BountyPost
	err := c.do(ctx, http.MethodPost, "v1/posts", body, &resp)
	return resp, err
}

// ListPosts lists public posts.
func (c *Client) ListPosts(ctx context.Context) ([]BountyPost, error) {
	var resp []BountyPost
	err := c.do(ctx, http.MethodGet, "v1/posts", nil, &resp)
	return resp, err
}

// GetPost fetches one post.
func (c *Client) GetPost(ctx context.Context, postID string) (BountyPost, error) {
	var resp BountyPost
	err := c.do(ctx, http.MethodGet, "v1/posts/"+url.PathEscape(postID), nil, &resp)
	return resp, err
}

// DeletePost deletes a post.
func (c *Client) DeletePost(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodDelete, "v1/posts/"+url.PathEscape(postID), nil, nil)
}

// Vote casts or flips a vote.
func (c *Client) Vote(ctx context.Context, postID, direction string) (VoteResult, error) {
	var resp VoteResult
	err := c.do(ctx, http.MethodPost, "v1/posts/"+url.PathEscape(postID)+"/vote", map[string]any{"direction": direction}, &resp)
	return resp, err
}

// CreateCheckout starts the publication checkout for a draft post.
func (c *Client) CreateCheckout(ctx context.Context, postID string) (Checkout, error) {
	var resp Checkout
	err := c.do(ctx, http.MethodPost, "v1/posts/"+url.PathEscape(postID)+"/checkout", nil, &resp)
	return resp, err
}

// Donate starts a donation checkout; amount is in minor currency units.
func (c *Client) Donate(ctx context.Context, postID string, amount int64) (Checkout, error) {
	var resp Checkout
	err := c.do(ctx, http.MethodPost, "v1/posts/"+url.PathEscape(postID)+"/donate", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// ConfirmPayment reconciles a session via the redirect endpoint.
func (c *Client) ConfirmPayment(ctx context.Context, postID, sessionID string) (ReconcileResult, error) {
	var resp ReconcileResult
	endpoint := fmt.Sprintf("v1/posts/%s/payment-success?session_id=%s", url.PathEscape(postID), url.QueryEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitSolution submits a solution to a public post.
func (c *Client) SubmitSolution(ctx context.Context, postID, content string) (Solution, error) {
	body := map[string]any{"post_id": postID, "content": content}
	var resp Solution
	err := c.do(ctx, http.MethodPost, "v1/solutions", body, &resp)
	return resp, err
}

// ListSolutions lists a post's solutions.
func (c *Client) ListSolutions(ctx context.Context, postID string) ([]Solution, error) {
	var resp []Solution
	err := c.do(ctx, http.MethodGet, "v1/posts/"+url.PathEscape(postID)+"/solutions", nil, &resp)
	return resp, err
}

// ApproveSolution approves a solution and pays out the bounty.
func (c *Client) ApproveSolution(ctx context.Context, solutionID string) (Solution, error) {
	var resp Solution
	err := c.do(ctx, http.MethodPost, "v1/solutions/"+url.PathEscape(solutionID)+"/approve", nil, &resp)
	return resp, err
}

// LinkPayoutAccount links the caller's payout destination.
func (c *Client) LinkPayoutAccount(ctx context.Context, accountRef string) (PayoutAccount, error) {
	var resp PayoutAccount
	err := c.do(ctx, http.MethodPut, "v1/me/payout-account", map[string]any{"account_ref": accountRef}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
