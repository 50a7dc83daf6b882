package diagnostics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/collabhub/pushgate/internal/gateway"
	"github.com/collabhub/pushgate/internal/hostapi"
	"github.com/collabhub/pushgate/internal/mapping"
	"github.com/collabhub/pushgate/internal/registry"
)

// fakeStore is a minimal mapping.Store for handler tests.
type fakeStore struct {
	usersForStorage map[string]map[string]struct{}
}

func (s *fakeStore) UsersForStorage(_ context.Context, storageID string) (map[string]struct{}, error) {
	return s.usersForStorage[storageID], nil
}

func (s *fakeStore) UsersForPath(context.Context, string, string) (map[string]struct{}, error) {
	return nil, nil
}

func (s *fakeStore) GroupMembers(context.Context, string) (map[string]struct{}, error) {
	return nil, nil
}

func (s *fakeStore) GroupsForUser(context.Context, string) (map[string]struct{}, error) {
	return nil, nil
}

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

func newTestHandlers(t *testing.T, host *hostapi.Client) (*Handlers, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := &fakeStore{usersForStorage: map[string]map[string]struct{}{
		"storage-1": {"alice": {}, "bob": {}},
	}}
	mapper := mapping.NewCache(store, 0, 0)

	h := NewHandlers(NewState(), rdb, host, mapper, registry.New(), fakeAuthenticator{}, nil, "1.2.3", zerolog.Nop())
	return h, rdb
}

func newTestApp(h *Handlers) *fiber.App {
	app := fiber.New()
	h.Register(app)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func bodyString(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestCookieReturnsMostRecentValue(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandlers(t, nil)
	h.state.SetTestCookie(42)

	resp := doRequest(t, newTestApp(h), http.MethodGet, "/test/cookie")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := bodyString(t, resp); got != "42" {
		t.Fatalf("body = %q, want 42", got)
	}
}

func TestCookieDefaultsToZero(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandlers(t, nil)

	resp := doRequest(t, newTestApp(h), http.MethodGet, "/test/cookie")
	if got := bodyString(t, resp); got != "0" {
		t.Fatalf("body = %q, want 0", got)
	}
}

func TestRemoteRecordsObservedAddressToBus(t *testing.T) {
	t.Parallel()
	h, rdb := newTestHandlers(t, nil)

	resp := doRequest(t, newTestApp(h), http.MethodGet, "/test/remote/127.0.0.1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if bodyString(t, resp) == "" {
		t.Fatal("expected a non-empty remote address in the response body")
	}

	if _, err := rdb.Get(context.Background(), KeyRemoteAddr).Result(); err != nil {
		t.Fatalf("expected %s to be recorded: %v", KeyRemoteAddr, err)
	}
}

func TestMappingReturnsUserCountForStorage(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandlers(t, nil)

	resp := doRequest(t, newTestApp(h), http.MethodGet, "/test/mapping/storage-1")
	if got := bodyString(t, resp); got != "2" {
		t.Fatalf("body = %q, want 2", got)
	}
}

func TestMappingReturnsZeroForUnknownStorage(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandlers(t, nil)

	resp := doRequest(t, newTestApp(h), http.MethodGet, "/test/mapping/does-not-exist")
	if got := bodyString(t, resp); got != "0" {
		t.Fatalf("body = %q, want 0", got)
	}
}

func TestPostVersionRecordsVersionToBus(t *testing.T) {
	t.Parallel()
	h, rdb := newTestHandlers(t, nil)

	resp := doRequest(t, newTestApp(h), http.MethodPost, "/test/version")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	got, err := rdb.Get(context.Background(), KeyVersion).Result()
	if err != nil {
		t.Fatalf("get recorded version: %v", err)
	}
	if got != "1.2.3" {
		t.Fatalf("recorded version = %q, want 1.2.3", got)
	}
}

func TestReverseCookieCallsHostApplication(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("cookie-value"))
	}))
	t.Cleanup(upstream.Close)

	h, _ := newTestHandlers(t, hostapi.NewClient(upstream.URL, false))

	resp := doRequest(t, newTestApp(h), http.MethodGet, "/test/reverse_cookie")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := bodyString(t, resp); got != "cookie-value" {
		t.Fatalf("body = %q, want cookie-value", got)
	}
}

func TestReverseCookieFailsOnUpstreamErrorStatus(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(upstream.Close)

	h, _ := newTestHandlers(t, hostapi.NewClient(upstream.URL, false))

	resp := doRequest(t, newTestApp(h), http.MethodGet, "/test/reverse_cookie")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

var _ = gateway.Authenticator(fakeAuthenticator{})
