package octoprint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okkerhart/printwatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTClient(t *testing.T) {
	t.Run("CurrentJob", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/job", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"state": "Printing",
				"progress": map[string]any{
					"completion":    47.3,
					"printTime":     1200,
					"printTimeLeft": 1800,
				},
				"job": map[string]any{
					"file": map[string]any{"name": "benchy.gcode"},
				},
			})
		}))
		defer server.Close()

		client := NewRESTClient(types.PrinterEndpoint{
			ID:     "p1",
			Name:   "Voron",
			URL:    server.URL,
			APIKey: "test-key",
		}, 5*time.Second, nil)

		snapshot, err := client.CurrentJob(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "p1", snapshot.PrinterID)
		assert.Equal(t, "Printing", snapshot.Status)
		require.NotNil(t, snapshot.Completion)
		assert.InDelta(t, 47.3, *snapshot.Completion, 0.001)
		require.NotNil(t, snapshot.ElapsedSeconds)
		assert.Equal(t, 1200, *snapshot.ElapsedSeconds)
		assert.Equal(t, "benchy.gcode", snapshot.FileName)
	})

	t.Run("CurrentJobNullProgress", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"state": "Operational",
				"progress": map[string]any{
					"completion":    nil,
					"printTime":     nil,
					"printTimeLeft": nil,
				},
			})
		}))
		defer server.Close()

		client := NewRESTClient(types.PrinterEndpoint{ID: "p1", URL: server.URL}, 5*time.Second, nil)

		snapshot, err := client.CurrentJob(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Operational", snapshot.Status)
		assert.Nil(t, snapshot.Completion)
		assert.Nil(t, snapshot.RemainingSeconds)
	})

	t.Run("PauseJobSendsCommand", func(t *testing.T) {
		var got map[string]string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/job", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		client := NewRESTClient(types.PrinterEndpoint{ID: "p1", URL: server.URL}, 5*time.Second, nil)

		require.NoError(t, client.PauseJob(context.Background()))
		assert.Equal(t, map[string]string{"command": "pause", "action": "pause"}, got)
	})

	t.Run("ConflictPreservesStatusCode", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))
		defer server.Close()

		client := NewRESTClient(types.PrinterEndpoint{ID: "p1", URL: server.URL}, 5*time.Second, nil)

		err := client.CancelJob(context.Background())
		require.Error(t, err)

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusConflict, statusErr.Code)
		assert.True(t, statusErr.Conflict())
	})

	t.Run("BasicAuth", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "cam", user)
			assert.Equal(t, "secret", pass)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := NewRESTClient(types.PrinterEndpoint{
			ID:   "p1",
			URL:  server.URL,
			Auth: &types.BasicAuth{Username: "cam", Password: "secret"},
		}, 5*time.Second, nil)

		require.NoError(t, client.ResumeJob(context.Background()))
	})

	t.Run("Snapshot", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("jpegdata"))
		}))
		defer server.Close()

		client := NewRESTClient(types.PrinterEndpoint{ID: "p1", URL: server.URL}, 5*time.Second, nil)

		frame, err := client.Snapshot(context.Background(), server.URL+"/webcam/?action=snapshot")
		require.NoError(t, err)
		assert.Equal(t, []byte("jpegdata"), frame)
	})
}

func TestIsStreamingURL(t *testing.T) {
	assert.True(t, IsStreamingURL("http://printer.local/hls/stream.m3u8"))
	assert.True(t, IsStreamingURL("http://printer.local/HLS/live"))
	assert.False(t, IsStreamingURL("http://printer.local/webcam/?action=snapshot"))
	assert.False(t, IsStreamingURL("http://printer.local/webcam/?action=stream"))
}
