package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"veridoc.org/internal/audit"
	"veridoc.org/internal/license"
	"veridoc.org/internal/tier"
	"veridoc.org/internal/token"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T, adminKeyHash string) *apiClient {
	t.Helper()

	keys, err := token.NewKeyring(token.Key{Kid: "k1", Secret: []byte("test-secret-0123456789abcdef")})
	if err != nil {
		t.Fatalf("token.NewKeyring: %v", err)
	}
	tiers := tier.NewRegistry()

	api := New(
		ReadyProbe{},
		"test",
		license.NewInMemory(tiers),
		tiers,
		token.NewIssuer(keys),
		token.NewVerifier(keys),
		audit.NewMemory(),
		adminKeyHash,
	)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (c *apiClient) createLicense(body map[string]any) (string, string) {
	c.t.Helper()
	resp := c.post("/v1/licenses", body, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("unexpected create status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc == "" {
		c.t.Fatalf("missing Location header")
	}
	payload := decode[map[string]any](c.t, resp)
	lic := payload["license"].(map[string]any)
	credential, _ := payload["credential"].(string)
	if credential == "" {
		c.t.Fatalf("expected a signed credential in the response")
	}
	return lic["id"].(string), credential
}

func TestLicenseValidateRevokeFlow(t *testing.T) {
	api := newTestAPI(t, "")

	id, credential := api.createLicense(map[string]any{
		"owner":         "acme",
		"tier":          "pro",
		"fingerprint":   "device-fp-1",
		"validity_days": 30,
	})

	// Matching device: valid with quota details.
	resp := api.post("/v1/licenses/validate", map[string]any{
		"credential":  credential,
		"fingerprint": "device-fp-1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	verdict := decode[map[string]any](t, resp)
	if verdict["valid"] != true || verdict["reason"] != "valid" {
		t.Fatalf("expected valid verdict, got %v", verdict)
	}
	if verdict["tier"] != "pro" || verdict["quota"] == nil {
		t.Fatalf("expected tier and quota in verdict: %v", verdict)
	}

	// Wrong device beats everything else.
	resp = api.post("/v1/licenses/validate", map[string]any{
		"credential":  credential,
		"fingerprint": "device-fp-2",
	}, nil)
	verdict = decode[map[string]any](t, resp)
	if verdict["valid"] != false || verdict["reason"] != "fingerprint_mismatch" {
		t.Fatalf("expected fingerprint_mismatch, got %v", verdict)
	}

	// Revocation invalidates the still-intact credential.
	resp = api.post("/v1/licenses/"+id+"/revoke", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected revoke status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/licenses/validate", map[string]any{
		"credential":  credential,
		"fingerprint": "device-fp-1",
	}, nil)
	verdict = decode[map[string]any](t, resp)
	if verdict["valid"] != false || verdict["reason"] != "revoked" {
		t.Fatalf("expected revoked verdict, got %v", verdict)
	}

	// Every attempt landed in the history.
	resp = api.get("/v1/licenses/"+id+"/validations", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected validations status: %d", resp.StatusCode)
	}
	history := decode[map[string]any](t, resp)
	items := history["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 validation records, got %d", len(items))
	}

	// And the audit trail has create, validate x3 and revoke.
	resp = api.get("/v1/licenses/"+id+"/audit", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected audit status: %d", resp.StatusCode)
	}
	trail := decode[map[string]any](t, resp)
	if got := len(trail["items"].([]any)); got != 5 {
		t.Fatalf("expected 5 audit entries, got %d", got)
	}
}

func TestRenewIssuesFreshCredential(t *testing.T) {
	api := newTestAPI(t, "")

	id, credential := api.createLicense(map[string]any{
		"owner":         "acme",
		"tier":          "starter",
		"validity_days": 1,
	})

	resp := api.post("/v1/licenses/"+id+"/renew", map[string]any{"extend_days": 30}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected renew status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	renewed := payload["credential"].(string)
	if renewed == "" || renewed == credential {
		t.Fatalf("expected a fresh credential after renewal")
	}

	resp = api.post("/v1/licenses/validate", map[string]any{"credential": renewed}, nil)
	verdict := decode[map[string]any](t, resp)
	if verdict["valid"] != true {
		t.Fatalf("expected renewed credential to validate, got %v", verdict)
	}
}

func TestActivationBindsCredential(t *testing.T) {
	api := newTestAPI(t, "")

	id, _ := api.createLicense(map[string]any{
		"owner":         "acme",
		"tier":          "free",
		"validity_days": 30,
	})

	resp := api.post("/v1/licenses/"+id+"/activate", map[string]any{"fingerprint": "dev-a"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected activate status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	bound := payload["credential"].(string)

	// Bound credential fails on a different device.
	resp = api.post("/v1/licenses/validate", map[string]any{
		"credential":  bound,
		"fingerprint": "dev-b",
	}, nil)
	verdict := decode[map[string]any](t, resp)
	if verdict["reason"] != "fingerprint_mismatch" {
		t.Fatalf("expected fingerprint_mismatch, got %v", verdict)
	}

	// Second activation exceeds the default single-seat limit.
	resp = api.post("/v1/licenses/"+id+"/activate", map[string]any{"fingerprint": "dev-a"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for activation limit, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUsageEndpoints(t *testing.T) {
	api := newTestAPI(t, "")

	id, _ := api.createLicense(map[string]any{
		"owner":         "acme",
		"tier":          "free",
		"validity_days": 30,
	})

	for i := 0; i < 2; i++ {
		resp := api.post("/v1/licenses/"+id+"/usage", map[string]any{
			"action":        "process_document",
			"resource_type": "pdf",
			"quantity":      1,
		}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("unexpected usage status: %d", resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := api.get("/v1/licenses/"+id+"/usage", url.Values{"limit": []string{"10"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected report status: %d", resp.StatusCode)
	}
	report := decode[map[string]any](t, resp)
	stats := report["stats"].(map[string]any)
	if stats["current"].(float64) != 2 {
		t.Fatalf("expected current=2, got %v", stats["current"])
	}
	if got := len(report["recent"].([]any)); got != 2 {
		t.Fatalf("expected 2 recent records, got %d", got)
	}

	resp = api.get("/v1/licenses/missing/usage", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown license, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestValidateRejectsGarbage(t *testing.T) {
	api := newTestAPI(t, "")

	resp := api.post("/v1/licenses/validate", map[string]any{"credential": "not-a-credential"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	verdict := decode[map[string]any](t, resp)
	if verdict["valid"] != false || verdict["reason"] != "malformed" {
		t.Fatalf("expected malformed verdict, got %v", verdict)
	}

	resp = api.post("/v1/licenses/validate", map[string]any{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing credential, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateLicenseValidation(t *testing.T) {
	api := newTestAPI(t, "")

	resp := api.post("/v1/licenses", map[string]any{
		"owner":         "",
		"tier":          "pro",
		"validity_days": 30,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing owner, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/licenses", map[string]any{
		"owner":         "acme",
		"tier":          "platinum",
		"validity_days": 30,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/licenses", map[string]any{
		"owner": "acme",
		"tier":  "pro",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing validity, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTiersEndpoint(t *testing.T) {
	api := newTestAPI(t, "")

	resp := api.get("/v1/tiers", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	if got := len(payload["tiers"].([]any)); got != 4 {
		t.Fatalf("expected 4 builtin tiers, got %d", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, "")

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status for %s: %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
