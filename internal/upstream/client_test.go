package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ottworks/telemetria/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	mu         sync.Mutex
	loginCalls int
	listCalls  int
	lastLogin  map[string]string

	// listResponses is consumed one response per list call; the last one
	// repeats once exhausted.
	listResponses []string
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.URL.Query().Get("f") {
		case "login":
			f.loginCalls++
			f.lastLogin = map[string]string{
				"username": r.PostFormValue("username"),
				"password": r.PostFormValue("password"),
				"apiToken": r.PostFormValue("apiToken"),
			}
			w.Write([]byte(`{"success":true,"answer":"sess-1"}`))
		case "getListOfTelemetryRecords":
			f.listCalls++
			idx := f.listCalls - 1
			if idx >= len(f.listResponses) {
				idx = len(f.listResponses) - 1
			}
			w.Write([]byte(f.listResponses[idx]))
		default:
			w.Write([]byte(`{"success":false,"errorMessage":"unknown function"}`))
		}
	}
}

func newTestClient(t *testing.T, baseURL string) Client {
	t.Helper()
	cfg := config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:        baseURL,
			Username:       "operator",
			Password:       "hunter2",
			PasswordSalt:   "pepper",
			APIToken:       "token-1",
			RequestTimeout: 5 * time.Second,
		},
	}
	client, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewRequiresBaseURLAndCredentials(t *testing.T) {
	_, err := New(config.Config{}, zap.NewNop())
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "http://example.test"},
	}, zap.NewNop())
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLoginSendsSaltedDigest(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	require.NoError(t, client.Login(context.Background()))

	require.Equal(t, 1, api.loginCalls)
	require.Equal(t, "operator", api.lastLogin["username"])
	require.Equal(t, hashPassword("hunter2", "pepper"), api.lastLogin["password"])
	require.Equal(t, "token-1", api.lastLogin["apiToken"])
}

func TestLoginRejectedIsConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errorMessage":"bad credentials"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.Login(context.Background())
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestFetchRecordsLogsInAndParsesPage(t *testing.T) {
	page, err := json.Marshal(map[string]any{
		"success": true,
		"answer": map[string]any{
			"telemetryRecordEntries": []map[string]any{
				{"recordId": 1, "actionId": 5, "deviceId": "stb-1", "timestamp": "2026-03-01 10:00:00"},
				{"recordId": 2, "actionId": 6, "deviceId": "stb-1", "timestamp": "2026-03-01 10:05:00"},
			},
			"count": 2,
		},
	})
	require.NoError(t, err)

	api := &fakeAPI{listResponses: []string{string(page)}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	records, err := client.FetchRecords(context.Background(), 0, 100)
	require.NoError(t, err)

	require.Equal(t, 1, api.loginCalls)
	require.Len(t, records, 2)
	require.Equal(t, int64(1), records[0].RecordID)
	require.Equal(t, int64(2), records[1].RecordID)
}

func TestFetchRecordsReloginsOnSessionRejection(t *testing.T) {
	api := &fakeAPI{listResponses: []string{
		`{"success":false,"errorMessage":"Invalid session"}`,
		`{"success":true,"answer":{"telemetryRecordEntries":[{"recordId":9,"actionId":5,"deviceId":"stb-9","timestamp":"2026-03-01 12:00:00"}],"count":1}}`,
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	records, err := client.FetchRecords(context.Background(), 0, 100)
	require.NoError(t, err)

	require.Equal(t, 2, api.loginCalls)
	require.Equal(t, 2, api.listCalls)
	require.Len(t, records, 1)
	require.Equal(t, int64(9), records[0].RecordID)
}

func TestFetchRecordsUpstreamRejectionDoesNotRetry(t *testing.T) {
	api := &fakeAPI{listResponses: []string{
		`{"success":false,"errorMessage":"function disabled for this account"}`,
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.FetchRecords(context.Background(), 0, 100)
	require.ErrorIs(t, err, ErrConfiguration)
	require.Equal(t, 1, api.listCalls)
}

func TestFetchRecordsClientErrorStatusIsConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("f") == "login" {
			w.Write([]byte(`{"success":true,"answer":"sess-1"}`))
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.FetchRecords(context.Background(), 0, 100)
	require.ErrorIs(t, err, ErrConfiguration)
}
