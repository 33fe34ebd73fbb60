// Package client implements the notification consumer used by lab and doctor
// front ends: a REST client, a websocket transport, a polling fallback and the
// reconciliation engine that merges push messages with persisted rows.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// ErrNotFound is returned when the server reports a missing resource.
var ErrNotFound = errors.New("not found")

// Notification is a persisted notification row as returned by the API.
type Notification struct {
	ID        uuid.UUID             `json:"id"`
	Type      domain.EventType      `json:"type"`
	RequestID int64                 `json:"requestId"`
	Payload   domain.RequestPayload `json:"payload"`
	CreatedAt time.Time             `json:"createdAt"`
	ReadAt    *time.Time            `json:"readAt"`
}

// RequestSummary is one row of the request listing used by the polling fallback.
type RequestSummary struct {
	ID                 int64     `json:"id"`
	PatientName        string    `json:"patientName"`
	DoctorID           uuid.UUID `json:"doctorId"`
	DoctorName         string    `json:"doctorName"`
	ExamCount          int       `json:"examCount"`
	CompletedExamCount int       `json:"completedExamCount"`
	Status             string    `json:"status"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// RequestStatusCompleted filters the request listing to completed requests.
const RequestStatusCompleted = "completed"

// RequestQuery filters the request listing.
type RequestQuery struct {
	Limit    int
	Status   string
	DoctorID uuid.UUID
}

// API is the server surface the client depends on.
type API interface {
	ListUnread(ctx context.Context) ([]Notification, error)
	Lookup(ctx context.Context, eventType domain.EventType, requestID int64) (*Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	MarkAllRead(ctx context.Context) (int64, error)
	Supersede(ctx context.Context, requestID int64) (int64, error)
	ListRequests(ctx context.Context, q RequestQuery) ([]RequestSummary, error)
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Temporary reports whether retrying the call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type listBody[T any] struct {
	Data []T `json:"data"`
}

type updatedBody struct {
	Updated int64 `json:"updated"`
}

// RESTClient talks to the notification API over HTTP.
type RESTClient struct {
	http   *resty.Client
	logger *slog.Logger
}

var _ API = (*RESTClient)(nil)

// NewRESTClient creates a client for baseURL authenticated with token.
// Transport-level failures are retried by resty; the engine adds its own
// backoff on top for reconciliation fetches.
func NewRESTClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *RESTClient {
	client := resty.New().
		SetBaseURL(baseURL+"/api/v1").
		SetAuthToken(token).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json").
		SetError(&errorBody{})

	return &RESTClient{
		http:   client,
		logger: logger.With("component", "rest_client"),
	}
}

// ListUnread fetches every unread notification for the current user.
func (c *RESTClient) ListUnread(ctx context.Context) ([]Notification, error) {
	var body listBody[Notification]
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/notifications/unread")
	if err := c.check(resp, err, "list unread"); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Lookup finds the unread notification for (eventType, requestID).
func (c *RESTClient) Lookup(ctx context.Context, eventType domain.EventType, requestID int64) (*Notification, error) {
	var n Notification
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"type":      eventType.String(),
			"requestId": strconv.FormatInt(requestID, 10),
		}).
		SetResult(&n).
		Get("/notifications/lookup")
	if err := c.check(resp, err, "lookup"); err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkRead marks a notification as read. Already-read rows are a no-op server side.
func (c *RESTClient) MarkRead(ctx context.Context, id uuid.UUID) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id.String()).
		Post("/notifications/{id}/read")
	return c.check(resp, err, "mark read")
}

// MarkAllRead marks every unread notification of the current user as read.
func (c *RESTClient) MarkAllRead(ctx context.Context) (int64, error) {
	var body updatedBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Post("/notifications/mark-all-read")
	if err := c.check(resp, err, "mark all read"); err != nil {
		return 0, err
	}
	return body.Updated, nil
}

// Supersede marks the unread new_request notification for requestID as read.
func (c *RESTClient) Supersede(ctx context.Context, requestID int64) (int64, error) {
	var body updatedBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]int64{"requestId": requestID}).
		SetResult(&body).
		Post("/notifications/supersede")
	if err := c.check(resp, err, "supersede"); err != nil {
		return 0, err
	}
	return body.Updated, nil
}

// ListRequests lists the newest requests visible to the current user.
func (c *RESTClient) ListRequests(ctx context.Context, q RequestQuery) ([]RequestSummary, error) {
	req := c.http.R().SetContext(ctx)
	if q.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(q.Limit))
	}
	if q.Status != "" {
		req.SetQueryParam("status", q.Status)
	}
	if q.DoctorID != uuid.Nil {
		req.SetQueryParam("doctorId", q.DoctorID.String())
	}

	var body listBody[RequestSummary]
	resp, err := req.SetResult(&body).Get("/requests")
	if err := c.check(resp, err, "list requests"); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (c *RESTClient) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode(), Message: resp.Status()}
	if body, ok := resp.Error().(*errorBody); ok && body.Error != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	}
	c.logger.Debug("api call failed", "op", op, "status", apiErr.Status, "code", apiErr.Code)
	return fmt.Errorf("%s: %w", op, apiErr)
}
