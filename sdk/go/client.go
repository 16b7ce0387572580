package stakelinesdk

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

// Client is a minimal Stakeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	CreatorID    string `json:"creator_id"`
	MemberID     string `json:"member_id,omitempty"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Reward       int64  `json:"reward"`
	CreatorStake int64  `json:"creator_stake"`
	MemberStake  int64  `json:"member_stake"`
	Fee          int64  `json:"fee"`
}

// Quote is the funding a new task requires.
type Quote struct {
	Stake int64  `json:"stake"`
	Fee   int64  `json:"fee"`
	Total int64  `json:"total"`
	Tier  string `json:"tier,omitempty"`
}

// TaskParams describes a task to create. Value must equal the quoted total.
type TaskParams struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	DeadlineHours int64  `json:"deadline_hours"`
	MaxRevisions  int64  `json:"max_revisions"`
	Reward        int64  `json:"reward"`
	Value         int64  `json:"value"`
}

// JoinRequest is an applicant's pending or closed request.
type JoinRequest struct {
	ID          int64  `json:"id"`
	TaskID      int64  `json:"task_id"`
	ApplicantID string `json:"applicant_id"`
	Stake       int64  `json:"stake"`
	Status      string `json:"status"`
}

// Payout is an executed transfer out of the protocol.
type Payout struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// Balance is the caller's withdrawable balance.
type Balance struct {
	ActorID string `json:"actor_id"`
	Amount  int64  `json:"amount"`
	Display string `json:"display"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	TaskID  int64          `json:"task_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Register creates the caller's profile.
func (c *Client) Register(ctx context.Context, name string, age int64) error {
	return c.do(ctx, http.MethodPost, "users", map[string]any{"name": name, "age": age}, nil)
}

// Reputation returns an actor's score.
func (c *Client) Reputation(ctx context.Context, actorID string) (int64, error) {
	var resp struct {
		Reputation int64 `json:"reputation"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%s/reputation", url.PathEscape(actorID)), nil, &resp)
	return resp.Reputation, err
}

// QuoteTask returns the stake, fee and total for a new task by the caller.
func (c *Client) QuoteTask(ctx context.Context, deadlineHours, maxRevisions, reward int64) (Quote, error) {
	q := url.Values{}
	q.Set("deadline_hours", fmt.Sprint(deadlineHours))
	q.Set("max_revisions", fmt.Sprint(maxRevisions))
	q.Set("reward", fmt.Sprint(reward))
	var resp Quote
	err := c.do(ctx, http.MethodGet, "stake/quote?"+q.Encode(), nil, &resp)
	return resp, err
}

// CreateTask creates a funded task.
func (c *Client) CreateTask(ctx context.Context, p TaskParams) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", p, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// OpenRegistration lets applicants join.
func (c *Client) OpenRegistration(ctx context.Context, id int64) (Task, error) {
	return c.taskAction(ctx, id, "registration/open", nil)
}

// MemberStake returns the stake an applicant must convey.
func (c *Client) MemberStake(ctx context.Context, id int64) (int64, error) {
	var resp struct {
		Stake int64 `json:"stake"`
	}
	err := c.do(ctx, http.MethodGet, taskPath(id, "member-stake"), nil, &resp)
	return resp.Stake, err
}

// RequestJoin applies to a task conveying value.
func (c *Client) RequestJoin(ctx context.Context, id, value int64) (JoinRequest, error) {
	var resp JoinRequest
	err := c.do(ctx, http.MethodPost, taskPath(id, "join"), map[string]any{"value": value}, &resp)
	return resp, err
}

// ApproveJoin assigns applicant as the task member.
func (c *Client) ApproveJoin(ctx context.Context, id int64, applicant string) (Task, error) {
	return c.taskAction(ctx, id, "join/approve", map[string]any{"applicant_id": applicant})
}

// Submit hands in work for review.
func (c *Client) Submit(ctx context.Context, id int64, workURL, note string) error {
	return c.do(ctx, http.MethodPost, taskPath(id, "submit"), map[string]any{"url": workURL, "note": note}, nil)
}

// Approve accepts the pending submission.
func (c *Client) Approve(ctx context.Context, id int64) (Task, error) {
	return c.taskAction(ctx, id, "approve", nil)
}

// RequestRevision sends the submission back with extra hours.
func (c *Client) RequestRevision(ctx context.Context, id int64, note string, extraHours int64) (Task, error) {
	return c.taskAction(ctx, id, "revision", map[string]any{"note": note, "extra_hours": extraHours})
}

// CancelByMe cancels the task unilaterally.
func (c *Client) CancelByMe(ctx context.Context, id int64) (Task, error) {
	return c.taskAction(ctx, id, "cancel/self", nil)
}

// TriggerDeadline cancels the task when its deadline passed.
func (c *Client) TriggerDeadline(ctx context.Context, id int64) (bool, Task, error) {
	var resp struct {
		Triggered bool `json:"triggered"`
		Task      Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, taskPath(id, "deadline"), nil, &resp)
	return resp.Triggered, resp.Task, err
}

// Balance returns the caller's withdrawable balance.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "balance", nil, &resp)
	return resp, err
}

// Withdraw pays out the caller's whole balance.
func (c *Client) Withdraw(ctx context.Context) (Payout, error) {
	var resp Payout
	err := c.do(ctx, http.MethodPost, "balance/withdraw", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) taskAction(ctx context.Context, id int64, action string, body any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, action), body, &resp)
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

func taskPath(id int64, action string) string {
	p := fmt.Sprintf("tasks/%d", id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
