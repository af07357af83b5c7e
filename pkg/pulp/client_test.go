package pulp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/Pulp-manager/pkg/metrics"
	"github.com/G-Research/Pulp-manager/pkg/vault"
)

// rotatingProvider hands out a bad password until refreshed.
type rotatingProvider struct {
	mu       sync.Mutex
	current  string
	refresh  string
	refreshed int
}

func (p *rotatingProvider) Password(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *rotatingProvider) Refresh(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = p.refresh
	p.refreshed++
	return nil
}

func testClient(t *testing.T, server *httptest.Server, creds vault.CredentialProvider) *Client {
	t.Helper()
	address := strings.TrimPrefix(server.URL, "http://")
	if creds == nil {
		creds = vault.NewStaticProvider("secret")
	}
	return NewClient(ClientConfig{
		Address:     address,
		Username:    "svc-pulp-manager",
		Credentials: creds,
		UseHTTPS:    false,
		Timeout:     5 * time.Second,
	})
}

func TestGetStripsAPIPrefix(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pulp/api/v3/repositories/", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"count": 0})
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	result, err := client.Get(context.Background(), "/pulp/api/v3/repositories/", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), result["count"])
}

func TestGetSendsBasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "svc-pulp-manager", user)
		assert.Equal(t, "secret", pass)
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	_, err := client.Get(context.Background(), "/status/", nil)
	require.NoError(t, err)
}

func TestAuthRefreshOn401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, _ := r.BasicAuth()
		if pass != "rotated" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer server.Close()

	creds := &rotatingProvider{current: "stale", refresh: "rotated"}
	client := testClient(t, server, creds)

	result, err := client.Get(context.Background(), "/status/", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 1, creds.refreshed)
}

func TestStaticCredentials401FailsFast(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testClient(t, server, vault.NewStaticProvider("wrong"))
	_, err := client.Get(context.Background(), "/status/", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestGetPagesFollowsNext(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "2":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"next":    nil,
				"results": []map[string]interface{}{{"name": "c"}},
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"next":    fmt.Sprintf("%s/pulp/api/v3/repositories/?page=2", server.URL),
				"results": []map[string]interface{}{{"name": "a"}, {"name": "b"}},
			})
		}
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	items, err := client.GetPages(context.Background(), "/repositories/", nil)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0]["name"])
	assert.Equal(t, "c", items[2]["name"])
}

func TestAPIErrorOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail": "nope"}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	_, err := client.Post(context.Background(), "/repositories/rpm/rpm/", map[string]interface{}{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "nope")
}

func TestBackendAPIErrorsCounted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	address := strings.TrimPrefix(server.URL, "http://")
	before := testutil.ToFloat64(metrics.BackendAPIErrors.WithLabelValues(address))

	client := testClient(t, server, nil)
	_, err := client.Get(context.Background(), "/status/", nil)
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BackendAPIErrors.WithLabelValues(address)))

	// a clean call leaves the counter alone
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	defer ok.Close()
	okAddress := strings.TrimPrefix(ok.URL, "http://")
	_, err = testClient(t, ok, nil).Get(context.Background(), "/status/", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.BackendAPIErrors.WithLabelValues(okAddress)))
}

func TestMonitorTaskCompletes(t *testing.T) {
	var polls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		state := "running"
		if polls >= 3 {
			state = "completed"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pulp_href": "/pulp/api/v3/tasks/0001/",
			"state":     state,
		})
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	task, err := MonitorTask(context.Background(), client, "/tasks/0001/", time.Millisecond, 200, true)
	require.NoError(t, err)
	assert.Equal(t, "completed", task.State)
}

func TestMonitorTaskFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pulp_href": "/pulp/api/v3/tasks/0001/",
			"state":     "failed",
			"error":     map[string]interface{}{"description": "sync blew up"},
		})
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	_, err := MonitorTask(context.Background(), client, "/tasks/0001/", time.Millisecond, 200, true)
	require.Error(t, err)

	var failed *ErrTaskFailed
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Error(), "sync blew up")

	// errorOnFail=false hands the failed task back instead
	task, err := MonitorTask(context.Background(), client, "/tasks/0001/", time.Millisecond, 200, false)
	require.NoError(t, err)
	assert.Equal(t, "failed", task.State)
}

func TestMonitorTaskStuckWaiting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pulp_href": "/pulp/api/v3/tasks/0001/",
			"state":     "waiting",
		})
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	_, err := MonitorTask(context.Background(), client, "/tasks/0001/", time.Millisecond, 3, true)
	require.Error(t, err)

	var stuck *ErrTaskStuckWaiting
	assert.ErrorAs(t, err, &stuck)
}

func TestMonitorTaskRejectsNonTaskHref(t *testing.T) {
	client := testClient(t, httptest.NewServer(http.NotFoundHandler()), nil)
	_, err := GetTask(context.Background(), client, "/repositories/rpm/rpm/0001/")
	assert.Error(t, err)
}

func TestListParamsExpand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"a", "b"}, r.URL.Query()["name__in"])
		json.NewEncoder(w).Encode(map[string]interface{}{"next": nil, "results": []map[string]interface{}{}})
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	params := url.Values{}
	params.Add("name__in", "a")
	params.Add("name__in", "b")
	_, err := client.GetPages(context.Background(), "/repositories/", params)
	require.NoError(t, err)
}
