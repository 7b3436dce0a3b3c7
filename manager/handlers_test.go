package manager_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fleetwire/fleetwire/manager"
	"github.com/fleetwire/fleetwire/types"
)

const testAdminToken = "test-admin-token"

func newTestServer(t *testing.T) (*httptest.Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	srv := httptest.NewServer(manager.NewServer(env.m, testAdminToken))
	t.Cleanup(srv.Close)
	return srv, env
}

func doJSON(t *testing.T, method, url, bearer string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestAdminRoutesRejectBadToken(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, bearer := range []string{"", "wrong-token"} {
		resp := doJSON(t, http.MethodGet, srv.URL+"/clients", bearer, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("bearer %q: expected 401, got %d", bearer, resp.StatusCode)
		}
	}
}

func TestClientLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/clients", testAdminToken, types.CreateClientRequest{
		Name: "build-agent",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	var created types.ClientResponse
	decode(t, resp, &created)
	if created.Status != "pending" || created.AssignedIP == "" || created.PublicKey == "" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/clients", testAdminToken, nil)
	var list []types.ClientResponse
	decode(t, resp, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/clients/"+created.ID, testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/clients/"+created.ID, testAdminToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/clients/"+created.ID, testAdminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", resp.StatusCode)
	}
}

func TestEnrollOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/clients", testAdminToken, types.CreateClientRequest{Name: "phone"})
	var created types.ClientResponse
	decode(t, resp, &created)

	resp = doJSON(t, http.MethodPost, srv.URL+"/clients/"+created.ID+"/enrollment-code", testAdminToken, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("code: expected 201, got %d", resp.StatusCode)
	}
	var code types.EnrollmentCodeResponse
	decode(t, resp, &code)
	if code.Code == "" || !strings.Contains(code.DeepLink, code.Code) {
		t.Fatalf("unexpected code response: %+v", code)
	}

	// enrollment needs no bearer, the code is the credential
	resp = doJSON(t, http.MethodPost, srv.URL+"/enroll", "", types.RedeemRequest{
		Code:       code.Code,
		HardwareID: "hw-1",
		Platform:   "ios",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enroll: expected 200, got %d", resp.StatusCode)
	}
	var redeemed types.RedeemResponse
	decode(t, resp, &redeemed)
	if redeemed.DeviceCredential == "" || redeemed.ClientID != created.ID {
		t.Fatalf("unexpected redeem response: %+v", redeemed)
	}

	// the issued credential downloads the rendered config
	resp = doJSON(t, http.MethodGet, srv.URL+"/clients/"+created.ID+"/config", redeemed.DeviceCredential, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config: expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("config content type: %q", ct)
	}

	// and drives heartbeats
	resp = doJSON(t, http.MethodPost, srv.URL+"/heartbeat", redeemed.DeviceCredential, types.HeartbeatRequest{
		Event: types.HeartbeatConnected,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat: expected 204, got %d", resp.StatusCode)
	}
}

func TestEnrollRejectionsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/enroll", "", types.RedeemRequest{
		Code:       "ZZZZ-ZZZZ",
		HardwareID: "hw-1",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad code: expected 401, got %d", resp.StatusCode)
	}
	var apiErr types.ErrorResponse
	decode(t, resp, &apiErr)
	if apiErr.Reason != "invalid_code" {
		t.Fatalf("expected invalid_code reason, got %q", apiErr.Reason)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/enroll", "", types.RedeemRequest{Code: "ZZZZ-ZZZZ"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing hardware id: expected 400, got %d", resp.StatusCode)
	}
}

func TestEnrollRateLimitOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	// the shared test client hits the server from one source address
	var resp *http.Response
	for i := 0; i < 6; i++ {
		resp = doJSON(t, http.MethodPost, srv.URL+"/enroll", "", types.RedeemRequest{
			Code:       "ZZZZ-ZZZZ",
			HardwareID: "hw-1",
		})
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After header")
	}
	var apiErr types.ErrorResponse
	decode(t, resp, &apiErr)
	if apiErr.Reason != "rate_limited" || apiErr.RetryAfterSeconds < 1 {
		t.Fatalf("unexpected error payload: %+v", apiErr)
	}
}

func TestDeviceRoutesRejectForeignCredential(t *testing.T) {
	srv, env := newTestServer(t)

	victim := env.createClient(t, "victim")

	resp := doJSON(t, http.MethodPost, srv.URL+"/clients", testAdminToken, types.CreateClientRequest{Name: "attacker"})
	var attacker types.ClientResponse
	decode(t, resp, &attacker)

	resp = doJSON(t, http.MethodPost, srv.URL+"/clients/"+attacker.ID+"/enrollment-code", testAdminToken, nil)
	var code types.EnrollmentCodeResponse
	decode(t, resp, &code)

	resp = doJSON(t, http.MethodPost, srv.URL+"/enroll", "", types.RedeemRequest{
		Code:       code.Code,
		HardwareID: "hw-attacker",
	})
	var redeemed types.RedeemResponse
	decode(t, resp, &redeemed)

	// a valid credential for one client cannot read another client's config
	resp = doJSON(t, http.MethodGet, srv.URL+"/clients/"+victim.ID+"/config", redeemed.DeviceCredential, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign credential, got %d", resp.StatusCode)
	}
}

func TestPresenceEndpointsDegrade(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/presence/online", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("online: expected 200, got %d", resp.StatusCode)
	}
	var online types.OnlineCountResponse
	decode(t, resp, &online)
	if online.Available {
		t.Fatal("presence reported available without a backing store")
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/presence/active", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("active: expected 200, got %d", resp.StatusCode)
	}
	var entries []types.PresenceEntry
	decode(t, resp, &entries)
	if len(entries) != 0 {
		t.Fatalf("expected empty presence list, got %d entries", len(entries))
	}
}
