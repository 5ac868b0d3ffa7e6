package alerts

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

	"github.com/goliatone/go-errors"
)

// HTTPNotifier talks JSON to the reminder endpoint named by the capability.
//
//	POST   {endpoint}/reminders       {"message","fire_at","locale"} -> {"id"}
//	DELETE {endpoint}/reminders/{id}
type HTTPNotifier struct {
	client *http.Client
}

// NewHTTPNotifier uses http.DefaultClient when client is nil.
func NewHTTPNotifier(client *http.Client) *HTTPNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNotifier{client: client}
}

type scheduleRequest struct {
	Message string    `json:"message"`
	FireAt  time.Time `json:"fire_at"`
	Locale  string    `json:"locale,omitempty"`
}

type scheduleResponse struct {
	ID string `json:"id"`
}

// ScheduleReminder creates a reminder firing at fireAt.
func (n *HTTPNotifier) ScheduleReminder(ctx context.Context, grant Capability, message string, fireAt time.Time) (string, error) {
	body, err := json.Marshal(scheduleRequest{Message: message, FireAt: fireAt.UTC(), Locale: grant.Locale})
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "encode reminder")
	}
	endpoint, err := reminderURL(grant.Endpoint)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryBadInput, "build reminder request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.do(req, grant)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out scheduleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, errors.CategoryExternal, "decode reminder response")
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("reminder response without id", errors.CategoryExternal)
	}
	return out.ID, nil
}

// CancelReminder deletes a reminder. A reminder the service no longer
// knows about counts as cancelled.
func (n *HTTPNotifier) CancelReminder(ctx context.Context, grant Capability, id string) error {
	endpoint, err := reminderURL(grant.Endpoint, id)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "build cancel request")
	}
	resp, err := n.do(req, grant)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

func (n *HTTPNotifier) do(req *http.Request, grant Capability) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+grant.AccessToken)
	req.Header.Set("Accept", "application/json")
	if grant.Locale != "" {
		req.Header.Set("Accept-Language", grant.Locale)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "notification service unreachable")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, statusError(resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func statusError(status int, body string) error {
	msg := fmt.Sprintf("notification service returned %d", status)
	if body != "" {
		msg += ": " + body
	}
	var category errors.Category
	switch {
	case status == http.StatusUnauthorized:
		category = errors.CategoryAuth
	case status == http.StatusForbidden:
		category = errors.CategoryAuthz
	case status == http.StatusNotFound:
		category = errors.CategoryNotFound
	case status == http.StatusTooManyRequests:
		category = errors.CategoryRateLimit
	case status >= 400 && status < 500:
		category = errors.CategoryBadInput
	default:
		category = errors.CategoryExternal
	}
	return errors.New(msg, category).WithMetadata(map[string]any{"status": status})
}

func reminderURL(endpoint string, id ...string) (string, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return "", errors.New("capability endpoint is empty", errors.CategoryBadInput)
	}
	u := endpoint + "/reminders"
	if len(id) > 0 {
		u += "/" + url.PathEscape(id[0])
	}
	return u, nil
}
