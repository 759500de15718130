package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientCreateEvent(t *testing.T) {
	var got eventBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/clinic/events", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"evt-1"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL, Token: "secret", CalendarID: "clinic"})
	require.True(t, c.IsConfigured())

	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	id, err := c.CreateEvent(context.Background(), EventDetails{
		Summary:       "Appointment: Ana",
		Start:         start,
		End:           start.Add(30 * time.Minute),
		AttendeeEmail: "ana@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)
	assert.Equal(t, "2024-03-04T09:00:00Z", got.Start.DateTime)
	assert.Equal(t, "2024-03-04T09:30:00Z", got.End.DateTime)
	require.Len(t, got.Attendees, 1)
	assert.Equal(t, "ana@example.com", got.Attendees[0].Email)
}

func TestHTTPClientCreateEventServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL, Token: "secret"})
	_, err := c.CreateEvent(context.Background(), EventDetails{Summary: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPClientDeleteEvent(t *testing.T) {
	cases := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusNoContent, false},
		{http.StatusNotFound, false},
		{http.StatusGone, false},
		{http.StatusInternalServerError, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/calendars/primary/events/evt-1", r.URL.Path)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := NewHTTPClient(Config{BaseURL: srv.URL, Token: "secret"}).DeleteEvent(context.Background(), "evt-1")
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUnconfigured(t *testing.T) {
	c := NewHTTPClient(Config{})
	assert.False(t, c.IsConfigured())
	_, err := c.CreateEvent(context.Background(), EventDetails{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	var d Disabled
	assert.False(t, d.IsConfigured())
	assert.ErrorIs(t, d.DeleteEvent(context.Background(), "x"), ErrNotConfigured)
}
