package flocklinesdk

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

// Client is a minimal Flockline HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Journey represents the API journey model.
type Journey struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Stage represents a board column.
type Stage struct {
	ID        string `json:"id"`
	JourneyID string `json:"journey_id"`
	Title     string `json:"title"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at"`
}

// Person represents a person on the board.
type Person struct {
	ID        string  `json:"id"`
	OrgID     string  `json:"org_id"`
	Name      string  `json:"name"`
	JourneyID *string `json:"journey_id,omitempty"`
	StageID   *string `json:"stage_id,omitempty"`
	Archived  bool    `json:"archived"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// Board is a journey's stages with people grouped per stage.
type Board struct {
	Journey Journey             `json:"journey"`
	Stages  []Stage             `json:"stages"`
	Columns map[string][]Person `json:"columns"`
}

// HistoryEvent is one audit log entry.
type HistoryEvent struct {
	ID          int64  `json:"id"`
	PersonID    string `json:"person_id,omitempty"`
	OrgID       string `json:"org_id"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	Before      string `json:"before,omitempty"`
	After       string `json:"after,omitempty"`
	ActorID     string `json:"actor_id"`
	CreatedAt   string `json:"created_at"`
}

// PaginatedHistory wraps history listings with a cursor.
type PaginatedHistory struct {
	Items      []HistoryEvent `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateJourney creates a journey with its entry stage.
func (c *Client) CreateJourney(ctx context.Context, title, description string) (Journey, error) {
	body := map[string]any{"title": title}
	if description != "" {
		body["description"] = description
	}
	var resp Journey
	err := c.do(ctx, http.MethodPost, "v0/journeys", body, &resp)
	return resp, err
}

// Journeys lists the org's journeys.
func (c *Client) Journeys(ctx context.Context) ([]Journey, error) {
	var resp []Journey
	err := c.do(ctx, http.MethodGet, "v0/journeys", nil, &resp)
	return resp, err
}

// Board fetches one journey's board.
func (c *Client) Board(ctx context.Context, journeyID string) (Board, error) {
	var resp Board
	endpoint := fmt.Sprintf("v0/journeys/%s/board", url.PathEscape(journeyID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddStage appends a stage to a journey.
func (c *Client) AddStage(ctx context.Context, journeyID, title string) (Stage, error) {
	var resp Stage
	endpoint := fmt.Sprintf("v0/journeys/%s/stages", url.PathEscape(journeyID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"title": title}, &resp)
	return resp, err
}

// CreatePerson adds a person, optionally placed on a journey's entry stage.
func (c *Client) CreatePerson(ctx context.Context, name, journeyID string) (Person, error) {
	body := map[string]any{"name": name}
	if journeyID != "" {
		body["journey_id"] = journeyID
	}
	var resp Person
	err := c.do(ctx, http.MethodPost, "v0/people", body, &resp)
	return resp, err
}

// MoveToStage moves a person onto a stage of their journey.
func (c *Client) MoveToStage(ctx context.Context, personID, stageID string) (Person, error) {
	var resp Person
	endpoint := fmt.Sprintf("v0/people/%s/stage", url.PathEscape(personID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"stage_id": stageID}, &resp)
	return resp, err
}

// MoveToJourney moves a person to another journey's entry stage.
func (c *Client) MoveToJourney(ctx context.Context, personID, journeyID string) (Person, error) {
	var resp Person
	endpoint := fmt.Sprintf("v0/people/%s/journey", url.PathEscape(personID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"journey_id": journeyID}, &resp)
	return resp, err
}

// History returns recent history events.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	page, err := c.HistoryPage(ctx, limit, "")
	return page.Items, err
}

// HistoryPage returns a paginated history listing.
func (c *Client) HistoryPage(ctx context.Context, limit int, cursor string) (PaginatedHistory, error) {
	endpoint := "v0/history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedHistory
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	if c.OrgID != "" {
		req.Header.Set("X-Org-Id", c.OrgID)
	}
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
