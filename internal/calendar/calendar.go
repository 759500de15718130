package calendar

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
)

var ErrNotConfigured = errors.New("calendar sync is not configured")

type EventDetails struct {
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
	AttendeeEmail string
}

// Sync mirrors appointments into an external calendar.
type Sync interface {
	CreateEvent(ctx context.Context, details EventDetails) (string, error)
	DeleteEvent(ctx context.Context, eventID string) error
	IsConfigured() bool
}

type Config struct {
	BaseURL    string
	Token      string
	CalendarID string
	Timeout    time.Duration
}

// HTTPClient talks to a Google Calendar v3 compatible REST endpoint.
type HTTPClient struct {
	baseURL    string
	token      string
	calendarID string
	http       *http.Client
}

func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		calendarID: cfg.CalendarID,
		http:       &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *HTTPClient) IsConfigured() bool {
	return c != nil && c.baseURL != "" && c.token != ""
}

type eventTime struct {
	DateTime string `json:"dateTime"`
}

type attendee struct {
	Email string `json:"email"`
}

type eventBody struct {
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Start       eventTime  `json:"start"`
	End         eventTime  `json:"end"`
	Attendees   []attendee `json:"attendees,omitempty"`
}

type eventResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) eventsURL() string {
	return fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
}

func (c *HTTPClient) CreateEvent(ctx context.Context, details EventDetails) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	body := eventBody{
		Summary:     details.Summary,
		Description: details.Description,
		Start:       eventTime{DateTime: details.Start.Format(time.RFC3339)},
		End:         eventTime{DateTime: details.End.Format(time.RFC3339)},
	}
	if details.AttendeeEmail != "" {
		body.Attendees = []attendee{{Email: details.AttendeeEmail}}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal calendar event: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.eventsURL(), data)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("create event", resp)
	}
	var out eventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode calendar response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("calendar response without event id")
	}
	return out.ID, nil
}

// DeleteEvent removes an event. An event that is already gone counts as
// deleted.
func (c *HTTPClient) DeleteEvent(ctx context.Context, eventID string) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	resp, err := c.do(ctx, http.MethodDelete, c.eventsURL()+"/"+url.PathEscape(eventID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	}
	return statusError("delete event", resp)
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("build calendar request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", method, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("calendar %s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// Disabled is used when no calendar is configured.
type Disabled struct{}

func (Disabled) CreateEvent(context.Context, EventDetails) (string, error) { return "", ErrNotConfigured }
func (Disabled) DeleteEvent(context.Context, string) error                  { return ErrNotConfigured }
func (Disabled) IsConfigured() bool                                         { return false }
