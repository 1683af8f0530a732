package pecron

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/oauth2"

	"github.com/joshp123/pecronhub/internal/retry"
)

type fakeCloud struct {
	t          *testing.T
	logins     atomic.Int32
	dataCalls  atomic.Int32
	loginDelay time.Duration

	mu       sync.Mutex
	tokens   []string
	accepted map[string]bool
	setBody  string
}

func newFakeCloud(t *testing.T, tokens ...string) (*fakeCloud, *httptest.Server) {
	f := &fakeCloud{t: t, tokens: tokens, accepted: make(map[string]bool)}
	for _, token := range tokens {
		f.accepted[token] = true
	}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeCloud) reject(token string) {
	f.mu.Lock()
	f.accepted[token] = false
	f.mu.Unlock()
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

func (f *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/user/login" {
		n := int(f.logins.Add(1))
		if f.loginDelay > 0 {
			time.Sleep(f.loginDelay)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			writeEnvelope(w, 1002, "wrong password", nil)
			return
		}
		f.mu.Lock()
		token := f.tokens[min(n, len(f.tokens))-1]
		f.mu.Unlock()
		writeEnvelope(w, 0, "ok", map[string]any{"token": token, "expires_in": 3600})
		return
	}

	f.dataCalls.Add(1)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	ok := f.accepted[token]
	f.mu.Unlock()
	if !ok {
		writeEnvelope(w, retry.AuthErrorCode, "token check failed", nil)
		return
	}

	switch r.URL.Path {
	case "/v1/device/list":
		writeEnvelope(w, 0, "ok", []map[string]any{
			{"device_key": "dev-1", "product_key": "E1500", "device_name": "Garage", "product_name": "E1500LFP", "online": true},
			{"device_key": "dev-2", "product_key": "E600", "product_name": "E600LFP", "online": 0},
		})
	case "/v1/device/properties":
		writeEnvelope(w, 0, "ok", map[string]any{
			"battery_percentage": 87,
			"AC_SWITCH_HM":       true,
			"dc_switch_hm":       false,
			"dc_switch":          true,
		})
	case "/v1/device/properties/set":
		raw, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.setBody = string(raw)
		f.mu.Unlock()
		if strings.Contains(string(raw), "bogus") {
			writeEnvelope(w, 0, "ok", map[string]any{"success": false, "message": "unsupported property"})
			return
		}
		writeEnvelope(w, 0, "ok", map[string]any{"success": true})
	case "/v1/product/tsl":
		if r.URL.Query().Get("product_key") != "E1500" {
			f.t.Errorf("unexpected product key %q", r.URL.Query().Get("product_key"))
		}
		writeEnvelope(w, 0, "ok", map[string]any{"properties": []map[string]any{
			{"code": "battery_percentage", "name": "Battery", "access_mode": "r", "data_type": "int"},
			{"code": "ac_switch_hm", "name": "AC", "access_mode": "RW", "data_type": "bool"},
		}})
	default:
		f.t.Errorf("unexpected path: %s", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, baseURL, password string) *Client {
	t.Helper()
	creds := NewCredentials("user@example.com", password, RegionEU)
	client, err := NewClient(Config{BaseURL: baseURL}, creds, nil, testr.New(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClientFlow(t *testing.T) {
	cloud, server := newFakeCloud(t, "t1")
	client := newTestClient(t, server.URL, "secret")
	ctx := context.Background()

	devices, err := client.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if devices[0].ID != "dev-1" || devices[0].Model != "E1500" || !devices[0].Online {
		t.Fatalf("unexpected first device: %+v", devices[0])
	}
	if devices[1].Name != "E600LFP" || devices[1].Online {
		t.Fatalf("unexpected second device: %+v", devices[1])
	}

	props, err := client.GetProperties(ctx, "dev-1", "E1500")
	if err != nil {
		t.Fatalf("GetProperties: %v", err)
	}
	if props["ac_switch"] != true {
		t.Fatalf("expected ac_switch folded from AC_SWITCH_HM, got %v", props)
	}
	if props["dc_switch"] != true {
		t.Fatalf("bare dc_switch should win over dc_switch_hm, got %v", props["dc_switch"])
	}
	if _, ok := props["dc_switch_hm"]; ok {
		t.Fatalf("_hm key leaked: %v", props)
	}

	schema, err := client.GetSchema(ctx, "E1500")
	if err != nil {
		t.Fatalf("GetSchema: %v", err)
	}
	if len(schema) != 2 || !schema[1].AccessMode.Writable() || schema[0].AccessMode.Writable() {
		t.Fatalf("unexpected schema: %+v", schema)
	}

	if _, err := client.SetProperty(ctx, "dev-1", "E1500", "ac_switch_hm", true); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	cloud.mu.Lock()
	body := cloud.setBody
	cloud.mu.Unlock()
	if !strings.Contains(body, `"ac_switch_hm":true`) {
		t.Fatalf("unexpected write body: %s", body)
	}

	if got := cloud.logins.Load(); got != 1 {
		t.Fatalf("expected a single login, got %d", got)
	}
}

func TestClientRelogsInOnce(t *testing.T) {
	cloud, server := newFakeCloud(t, "t1", "t2")
	client := newTestClient(t, server.URL, "secret")
	ctx := context.Background()

	if _, err := client.ListDevices(ctx); err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	cloud.reject("t1")

	if _, err := client.GetProperties(ctx, "dev-1", "E1500"); err != nil {
		t.Fatalf("GetProperties after expiry: %v", err)
	}
	if got := cloud.logins.Load(); got != 2 {
		t.Fatalf("expected 2 logins, got %d", got)
	}
	if got := cloud.dataCalls.Load(); got != 3 {
		t.Fatalf("expected 3 data calls, got %d", got)
	}
}

func TestClientSecondAuthFailureIsFinal(t *testing.T) {
	cloud, server := newFakeCloud(t, "t1", "t2", "t3")
	client := newTestClient(t, server.URL, "secret")
	cloud.reject("t1")
	cloud.reject("t2")
	cloud.reject("t3")

	_, err := client.GetProperties(context.Background(), "dev-1", "E1500")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, retry.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if got := cloud.dataCalls.Load(); got != 2 {
		t.Fatalf("expected 2 data calls, got %d", got)
	}
	if got := cloud.logins.Load(); got != 2 {
		t.Fatalf("expected 2 logins, got %d", got)
	}
}

func TestClientConcurrentReloginShared(t *testing.T) {
	cloud, server := newFakeCloud(t, "fresh")
	cloud.loginDelay = 50 * time.Millisecond
	client := newTestClient(t, server.URL, "secret")
	client.creds.token = &oauth2.Token{AccessToken: "stale", TokenType: "Bearer"}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.GetProperties(context.Background(), "dev-1", "E1500")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("GetProperties: %v", err)
		}
	}
	if got := cloud.logins.Load(); got != 1 {
		t.Fatalf("expected one shared login, got %d", got)
	}
}

func TestClientLoginRejected(t *testing.T) {
	cloud, server := newFakeCloud(t, "t1")
	client := newTestClient(t, server.URL, "wrong")

	_, err := client.ListDevices(context.Background())
	if retry.Classify(err) != retry.ClassAuth {
		t.Fatalf("expected auth class, got %v", err)
	}
	if got := cloud.dataCalls.Load(); got != 0 {
		t.Fatalf("expected no data calls, got %d", got)
	}
}

func TestClientWriteRejected(t *testing.T) {
	_, server := newFakeCloud(t, "t1")
	client := newTestClient(t, server.URL, "secret")

	ack, err := client.SetProperty(context.Background(), "dev-1", "E1500", "bogus", 1)
	if ack.Success {
		t.Fatal("expected unsuccessful ack")
	}
	if !errors.Is(err, retry.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Msg != "unsupported property" {
		t.Fatalf("expected api error with message, got %v", err)
	}
}

func TestClientHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/user/login" {
			writeEnvelope(w, 0, "ok", map[string]any{"token": "t1"})
			return
		}
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, "secret")

	_, err := client.ListDevices(context.Background())
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 api error, got %v", err)
	}
	if retry.Classify(err) != retry.ClassConnection {
		t.Fatalf("expected connection class, got %s", retry.Classify(err))
	}
}

func TestParseRegion(t *testing.T) {
	if r, err := ParseRegion(""); err != nil || r != RegionUS {
		t.Fatalf("default region: %v %v", r, err)
	}
	if r, err := ParseRegion("eu"); err != nil || r != RegionEU {
		t.Fatalf("eu: %v %v", r, err)
	}
	if _, err := ParseRegion("mars"); err == nil {
		t.Fatal("expected error for unknown region")
	}
	if RegionUS.Endpoint() == RegionEU.Endpoint() || RegionEU.Endpoint() == RegionCN.Endpoint() {
		t.Fatal("regions must map to distinct endpoints")
	}
}

func TestLoginMetrics(t *testing.T) {
	_, server := newFakeCloud(t, "t1")
	creds := NewCredentials("user@example.com", "secret", RegionUS)
	client, err := NewClient(Config{Account: "metrics", BaseURL: server.URL}, creds, nil, testr.New(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	labels := prometheus.Labels{"account": "metrics", "region": "US"}

	if _, err := client.ListDevices(context.Background()); err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if got := testutil.ToFloat64(loginSuccess.With(labels)); got != 1 {
		t.Fatalf("login success = %v", got)
	}
	if got := testutil.ToFloat64(sessionValid.With(labels)); got != 1 {
		t.Fatalf("session valid = %v", got)
	}

	creds.Password = "wrong"
	creds.setToken(nil)
	if _, err := client.ListDevices(context.Background()); err == nil {
		t.Fatal("expected login failure")
	}
	if got := testutil.ToFloat64(loginFailure.With(labels)); got != 1 {
		t.Fatalf("login failure = %v", got)
	}
	if got := testutil.ToFloat64(sessionValid.With(labels)); got != 0 {
		t.Fatalf("session valid = %v", got)
	}
}
