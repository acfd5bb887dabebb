package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyxap1/geoecho/internal/edge"
)

const unknownRecord = `{"ip":"%s","city":"Unknown","region":"Unknown","postalCode":"Unknown","country":"Unknown","isp":"Unknown","asn":0,"timezone":"Unknown","latitude":0,"longitude":0}`

// setupIntegrationTest wires the whole service on httptest listeners
func setupIntegrationTest(t *testing.T) (*app, *httptest.Server, *httptest.Server) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}

	a, err := newApp(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(a.close)

	public := httptest.NewServer(a.public)
	t.Cleanup(public.Close)
	admin := httptest.NewServer(a.admin)
	t.Cleanup(admin.Close)

	return a, public, admin
}

func doRequest(t *testing.T, client *http.Client, method, url string, headers map[string]string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestIntegration_EchoFromEdgeHeaders(t *testing.T) {
	withTestConfig(t)
	_, public, _ := setupIntegrationTest(t)

	headers := map[string]string{
		edge.HeaderConnectingIP: "203.0.113.7",
		edge.HeaderCity:         "Berlin",
		edge.HeaderRegion:       "BE",
		edge.HeaderCountry:      "DE",
		edge.HeaderASN:          "3320",
		edge.HeaderLatitude:     "52.52",
		edge.HeaderLongitude:    "13.405",
	}

	for _, path := range []string{"/", "/json", "/health", "/metrics", "/a/b/c?x=y"} {
		t.Run(path, func(t *testing.T) {
			resp, body := doRequest(t, public.Client(), http.MethodGet, public.URL+path, headers)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
			assert.Equal(t, `{"ip":"203.0.113.7","city":"Berlin","region":"BE","postalCode":"Unknown","country":"DE","isp":"Unknown","asn":3320,"timezone":"Unknown","latitude":52.52,"longitude":13.405}`, body)
		})
	}
}

func TestIntegration_UntrustedHeadersIgnored(t *testing.T) {
	c := withTestConfig(t)
	c.TrustEdgeHeaders = false
	_, public, _ := setupIntegrationTest(t)

	_, body := doRequest(t, public.Client(), http.MethodPost, public.URL+"/", map[string]string{
		edge.HeaderConnectingIP: "198.51.100.4",
		edge.HeaderCity:         "Forged",
	})

	assert.Equal(t, strings.Replace(unknownRecord, "%s", "198.51.100.4", 1), body)
}

func TestIntegration_PeerAddress(t *testing.T) {
	c := withTestConfig(t)
	c.IPHeader = ""
	_, public, _ := setupIntegrationTest(t)

	_, body := doRequest(t, public.Client(), http.MethodGet, public.URL+"/", map[string]string{
		edge.HeaderConnectingIP: "198.51.100.4",
	})

	assert.Equal(t, strings.Replace(unknownRecord, "%s", "127.0.0.1", 1), body)
}

func TestIntegration_Preflight(t *testing.T) {
	withTestConfig(t)
	_, public, _ := setupIntegrationTest(t)

	for _, path := range []string{"/", "/anything"} {
		t.Run(path, func(t *testing.T) {
			resp, body := doRequest(t, public.Client(), http.MethodOptions, public.URL+path, nil)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Empty(t, body)

			// transport headers aside, exactly the three cross-origin headers
			resp.Header.Del("Date")
			resp.Header.Del("Content-Length")
			assert.Equal(t, http.Header{
				"Access-Control-Allow-Origin":  {"*"},
				"Access-Control-Allow-Methods": {"GET, OPTIONS"},
				"Access-Control-Allow-Headers": {"Content-Type"},
			}, resp.Header)
		})
	}
}

func TestIntegration_AdminEndpoints(t *testing.T) {
	withTestConfig(t)
	_, public, admin := setupIntegrationTest(t)

	// generate some traffic for the metrics
	doRequest(t, public.Client(), http.MethodGet, public.URL+"/", map[string]string{edge.HeaderConnectingIP: "192.0.2.1"})

	resp, body := doRequest(t, admin.Client(), http.MethodGet, admin.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, false, health["databases_loaded"])

	resp, body = doRequest(t, admin.Client(), http.MethodGet, admin.URL+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, true, stats["enabled"])

	resp, body = doRequest(t, admin.Client(), http.MethodGet, admin.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `geoecho_server_requests_total{method="GET",status="200"} 1`)
	assert.Contains(t, body, `geoecho_geodb_lookups_total{result="miss"} 1`)
}

func TestIntegration_TLS(t *testing.T) {
	c := withTestConfig(t)
	c.EnableTLS = true
	c.GenerateCerts = true
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}

	a, err := newApp(c, logger)
	require.NoError(t, err)
	t.Cleanup(a.close)
	require.NotNil(t, a.tlsConfig)
	assert.Contains(t, a.servers(), "HTTPS")

	server := httptest.NewUnstartedServer(a.public)
	server.TLS = a.tlsConfig
	server.StartTLS()
	t.Cleanup(server.Close)

	resp, body := doRequest(t, server.Client(), http.MethodGet, server.URL+"/", map[string]string{edge.HeaderConnectingIP: "192.0.2.55"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strings.Replace(unknownRecord, "%s", "192.0.2.55", 1), body)
}

func TestIntegration_TLSWithoutCertificate(t *testing.T) {
	c := withTestConfig(t)
	c.EnableTLS = true

	_, err := newApp(c, logger)
	assert.Error(t, err)
}

func TestIntegration_Servers(t *testing.T) {
	c := withTestConfig(t)
	c.Port = 8080
	c.AdminPort = 9090

	a, err := newApp(c, logger)
	require.NoError(t, err)
	t.Cleanup(a.close)

	servers := a.servers()
	require.Len(t, servers, 2)
	assert.Equal(t, ":8080", servers["HTTP"].Addr)
	assert.Equal(t, ":9090", servers["Admin"].Addr)

	c.AdminPort = 0
	assert.NotContains(t, a.servers(), "Admin")
}

func TestIntegration_ConcurrentRequests(t *testing.T) {
	withTestConfig(t)
	_, public, _ := setupIntegrationTest(t)

	const workers = 10
	const perWorker = 20

	var wg sync.WaitGroup
	errs := make(chan string, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				req, _ := http.NewRequest(http.MethodGet, public.URL+"/", nil)
				req.Header.Set(edge.HeaderConnectingIP, "192.0.2.1")
				req.Header.Set(edge.HeaderCity, "Paris")
				resp, err := public.Client().Do(req)
				if err != nil {
					errs <- err.Error()
					continue
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if !strings.Contains(string(body), `"city":"Paris"`) {
					errs <- string(body)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Errorf("Unexpected response: %s", msg)
	}
}

func BenchmarkIntegrationEcho(b *testing.B) {
	a, err := newApp(cfg, logger)
	if err != nil {
		b.Fatal(err)
	}
	defer a.close()

	server := httptest.NewServer(a.public)
	defer server.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/", nil)
		req.Header.Set(edge.HeaderConnectingIP, "192.0.2.1")
		resp, err := server.Client().Do(req)
		if err != nil {
			b.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
