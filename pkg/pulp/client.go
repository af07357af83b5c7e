package pulp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/G-Research/Pulp-manager/pkg/metrics"
	"github.com/G-Research/Pulp-manager/pkg/vault"
)

const apiPrefix = "/pulp/api/v3"

// APIError is returned when the backend responds with a non-success status.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("problem calling %s %s. HTTP status code: %d. HTTP response text: %s",
		e.Method, e.URL, e.StatusCode, e.Body)
}

// Client is an HTTP JSON client for a single Pulp backend. Passwords come
// from a credential provider; a 401 triggers a refresh and a retry, capped
// so a revoked account fails fast rather than hammering the backend.
type Client struct {
	address     string
	baseURL     string
	username    string
	creds       vault.CredentialProvider
	httpClient  *http.Client
	useHTTPS    bool
	authRetries int
}

// ClientConfig carries the connection settings for a backend.
type ClientConfig struct {
	// Address is the fqdn of the pulp server
	Address  string
	Username string
	// Credentials supplies the basic auth password
	Credentials vault.CredentialProvider
	// UseHTTPS selects the scheme, defaults should be true outside tests
	UseHTTPS bool
	// VerifySSL is only honored when UseHTTPS is set
	VerifySSL bool
	// AuthRetries caps 401-triggered credential refreshes. Zero means 3,
	// which suits vault-agent-backed credentials that rotate underneath us.
	AuthRetries int
	Timeout     time.Duration
}

// NewClient creates a client for the backend described by cfg.
func NewClient(cfg ClientConfig) *Client {
	scheme := "http"
	if cfg.UseHTTPS {
		scheme = "https"
	}

	authRetries := cfg.AuthRetries
	if authRetries <= 0 {
		authRetries = 3
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	transport := &http.Transport{}
	if cfg.UseHTTPS && !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		address:     cfg.Address,
		baseURL:     fmt.Sprintf("%s://%s%s", scheme, cfg.Address, apiPrefix),
		username:    cfg.Username,
		creds:       cfg.Credentials,
		httpClient:  &http.Client{Timeout: timeout, Transport: transport},
		useHTTPS:    cfg.UseHTTPS,
		authRetries: authRetries,
	}
}

// formatHref strips the API prefix so hrefs returned by the backend can be
// passed straight back in.
func formatHref(href string) string {
	return strings.Replace(href, apiPrefix, "", 1)
}

// resolveURL turns an api method or href into a full URL. Full URLs that
// already carry the backend address are used as-is, upgraded to https when
// the client is https so credentials never travel unencrypted.
func (c *Client) resolveURL(apiMethod string) string {
	if strings.Contains(apiMethod, c.address) &&
		(strings.HasPrefix(apiMethod, "http://") || strings.HasPrefix(apiMethod, "https://")) {
		if c.useHTTPS && strings.HasPrefix(apiMethod, "http://") {
			return strings.Replace(apiMethod, "http://", "https://", 1)
		}
		return apiMethod
	}
	return c.baseURL + formatHref(apiMethod)
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}

	password, err := c.creds.Password(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials for %s: %w", c.address, err)
	}
	req.SetBasicAuth(c.username, password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do performs a request, refreshing credentials and retrying on 401 up to
// authRetries times. Other non-success statuses surface as *APIError.
func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}) (map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < c.authRetries; attempt++ {
		req, err := c.newRequest(ctx, method, rawURL, body)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.BackendAPIErrors.WithLabelValues(c.address).Inc()
			return nil, err
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			metrics.BackendAPIErrors.WithLabelValues(c.address).Inc()
			lastErr = &APIError{Method: method, URL: rawURL, StatusCode: resp.StatusCode, Body: string(respBody)}
			if err := c.creds.Refresh(ctx); err != nil {
				if errors.Is(err, vault.ErrNotRefreshable) {
					return nil, lastErr
				}
				return nil, fmt.Errorf("failed to refresh credentials for %s: %w", c.address, err)
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
			if len(respBody) == 0 {
				return nil, nil
			}
			var result map[string]interface{}
			if err := json.Unmarshal(respBody, &result); err != nil {
				return nil, fmt.Errorf("failed to decode response from %s %s: %w", method, rawURL, err)
			}
			return result, nil
		default:
			metrics.BackendAPIErrors.WithLabelValues(c.address).Inc()
			return nil, &APIError{Method: method, URL: rawURL, StatusCode: resp.StatusCode, Body: string(respBody)}
		}
	}
	return nil, lastErr
}

// Get performs a GET. Transient failures are retried with exponential
// backoff; list params expand into repeated query keys.
func (c *Client) Get(ctx context.Context, apiMethod string, params url.Values) (map[string]interface{}, error) {
	rawURL := c.resolveURL(apiMethod)
	if len(params) > 0 {
		separator := "?"
		if strings.Contains(rawURL, "?") {
			separator = "&"
		}
		rawURL += separator + params.Encode()
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	var result map[string]interface{}
	err := backoff.Retry(func() error {
		var err error
		result, err = c.do(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			var apiErr *APIError
			// auth failures already exhausted their retries inside do
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)
	return result, err
}

// GetPages performs a GET and follows the next link until exhausted,
// returning the concatenated results.
func (c *Client) GetPages(ctx context.Context, apiMethod string, params url.Values) ([]map[string]interface{}, error) {
	var items []map[string]interface{}

	next := apiMethod
	for next != "" {
		page, err := c.Get(ctx, next, params)
		if err != nil {
			return nil, err
		}
		// params are baked into the next link after the first page
		params = nil

		if page == nil {
			break
		}

		results, _ := page["results"].([]interface{})
		for _, r := range results {
			if m, ok := r.(map[string]interface{}); ok {
				items = append(items, m)
			}
		}

		next = ""
		if n, ok := page["next"].(string); ok {
			next = n
		}
	}
	return items, nil
}

// Post performs a POST with a JSON body.
func (c *Client) Post(ctx context.Context, apiMethod string, body interface{}) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, c.resolveURL(apiMethod), body)
}

// Put performs a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, apiMethod string, body interface{}) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPut, c.resolveURL(apiMethod), body)
}

// Patch performs a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, apiMethod string, body interface{}) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPatch, c.resolveURL(apiMethod), body)
}

// Delete performs a DELETE. Pulp answers deletes with a task to monitor.
func (c *Client) Delete(ctx context.Context, apiMethod string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodDelete, c.resolveURL(apiMethod), nil)
}
