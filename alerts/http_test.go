package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPNotifierSchedulesWithBearerToken(t *testing.T) {
	fireAt := time.Date(2026, 3, 15, 10, 40, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/reminders", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "it-IT", r.Header.Get("Accept-Language"))

		var req scheduleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Controlla la cagliata", req.Message)
		assert.True(t, fireAt.Equal(req.FireAt))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"rem-77"}`))
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.Client())
	id, err := n.ScheduleReminder(context.Background(),
		Capability{Endpoint: srv.URL + "/v1/", AccessToken: "secret", Locale: "it-IT"},
		"Controlla la cagliata", fireAt)
	require.NoError(t, err)
	assert.Equal(t, "rem-77", id)
}

func TestHTTPNotifierMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status   int
		category errors.Category
	}{
		{http.StatusUnauthorized, errors.CategoryAuth},
		{http.StatusForbidden, errors.CategoryAuthz},
		{http.StatusTooManyRequests, errors.CategoryRateLimit},
		{http.StatusBadRequest, errors.CategoryBadInput},
		{http.StatusBadGateway, errors.CategoryExternal},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			_, err := NewHTTPNotifier(srv.Client()).ScheduleReminder(context.Background(),
				Capability{Endpoint: srv.URL, AccessToken: "t"}, "m", time.Now())
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, tc.category), "status %d: %v", tc.status, err)
		})
	}
}

func TestHTTPNotifierCancelTreatsNotFoundAsDone(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/reminders/gone" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.Client())
	access := Capability{Endpoint: srv.URL, AccessToken: "t"}
	require.NoError(t, n.CancelReminder(context.Background(), access, "rem-1"))
	require.NoError(t, n.CancelReminder(context.Background(), access, "gone"))
	assert.Equal(t, []string{"/reminders/rem-1", "/reminders/gone"}, paths)
}

func TestHTTPNotifierRejectsEmptyEndpoint(t *testing.T) {
	_, err := NewHTTPNotifier(nil).ScheduleReminder(context.Background(), Capability{AccessToken: "t"}, "m", time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryBadInput))
}

func TestCoordinatorOverHTTPNotifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"rem-1"}`))
	}))
	defer srv.Close()

	c := NewCoordinator(NewHTTPNotifier(srv.Client()), WithRetry(1, time.Second, time.Millisecond))
	out := c.ScheduleWait(context.Background(), &Capability{Endpoint: srv.URL, AccessToken: "t"}, nil, 2,
		WaitSpec{Duration: time.Hour, Kind: KindLoopTimeout}, nil)
	assert.True(t, out.Scheduled)
	assert.Equal(t, "rem-1", out.ExternalID)
}
