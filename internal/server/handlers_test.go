package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/deployer/internal/config"
	"github.com/example/deployer/internal/deploy"
	"github.com/example/deployer/internal/history"
	"github.com/example/deployer/internal/ratelimit"
	"github.com/example/deployer/internal/runner"
	"github.com/example/deployer/internal/signing"
	"github.com/example/deployer/internal/stacks"
)

const testSecret = "unit-test-secret"

type fakeDeployer struct {
	got       stacks.Stack
	gotCtxErr error
	resp      deploy.Response
	panics    bool
}

func (f *fakeDeployer) Deploy(ctx context.Context, stack stacks.Stack) deploy.Response {
	if f.panics {
		panic("deployer exploded")
	}
	f.got = stack
	f.gotCtxErr = ctx.Err()
	resp := f.resp
	resp.Stack = stack.Name
	return resp
}

func okResponse() deploy.Response {
	code := 0
	started := time.Now().UTC()
	return deploy.Response{
		OK: true,
		Steps: []runner.StepResult{
			{Name: "status", OK: true, ExitCode: &code, Tail: "web"},
			{Name: "config", OK: true, ExitCode: &code},
			{Name: "pull", OK: true, ExitCode: &code},
			{Name: "up", OK: true, ExitCode: &code},
		},
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}
}

func newTestServer(t *testing.T, deployer Deployer) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "web")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifestBody := "services:\n  web:\n    image: nginx\n    environment:\n      DB_PASSWORD: \"${DB_PASSWORD}\"\n"
	if err := os.WriteFile(filepath.Join(dir, stacks.ManifestName), []byte(manifestBody), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	opts := config.NewOptions()
	opts.Secret = testSecret
	opts.StacksRoot = root
	return &Server{
		opts:     opts,
		log:      zap.NewNop(),
		verifier: signing.NewVerifier([]byte(testSecret)),
		limiter:  ratelimit.NewSlidingWindow(1000),
		resolver: stacks.NewResolver(root),
		deployer: deployer,
	}, root
}

func sign(data string) string {
	return signing.NewVerifier([]byte(testSecret)).Compute([]byte(data))
}

func do(h http.Handler, method, target, body, signature string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDeployer{resp: okResponse()})
	h := srv.Handler()
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rr := do(h, method, "/health", "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s /health: got %d", method, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
			t.Fatalf("unexpected body %q", rr.Body.String())
		}
	}
	if rr := do(h, http.MethodDelete, "/health", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /health: got %d want 405", rr.Code)
	}
}

func TestDeployPathSignsStackNameWhenBodyEmpty(t *testing.T) {
	fd := &fakeDeployer{resp: okResponse()}
	srv, _ := newTestServer(t, fd)
	h := srv.Handler()

	rr := do(h, http.MethodPost, "/deploy/web", "", sign("web"))
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d body=%s", rr.Code, rr.Body.String())
	}
	if fd.got.Name != "web" {
		t.Fatalf("deployer got stack %q", fd.got.Name)
	}
	var resp deploy.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || len(resp.Steps) != 4 || resp.Stack != "web" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDeployPathSignsBodyWhenPresent(t *testing.T) {
	fd := &fakeDeployer{resp: okResponse()}
	srv, _ := newTestServer(t, fd)
	h := srv.Handler()

	body := `{"reason":"rollout"}`
	rr := do(h, http.MethodPost, "/deploy/web", body, sign(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d body=%s", rr.Code, rr.Body.String())
	}

	// The stack-name signature must not authenticate a request with a body.
	rr = do(h, http.MethodPost, "/deploy/web", body, sign("web"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got %d want 401", rr.Code)
	}
}

func TestDeployRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDeployer{resp: okResponse()})
	h := srv.Handler()

	for _, sig := range []string{"", "deadbeef"} {
		rr := do(h, http.MethodPost, "/deploy/web", "", sig)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("sig %q: got %d want 401", sig, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"ok":false`) {
			t.Fatalf("sig %q: unexpected body %q", sig, rr.Body.String())
		}
	}
}

func TestDeployBodyEndpoint(t *testing.T) {
	fd := &fakeDeployer{resp: okResponse()}
	srv, _ := newTestServer(t, fd)
	h := srv.Handler()

	body := `{"stack":"web"}`
	rr := do(h, http.MethodPost, "/deploy", body, sign(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d body=%s", rr.Code, rr.Body.String())
	}
	if fd.got.Name != "web" {
		t.Fatalf("deployer got stack %q", fd.got.Name)
	}
}

func TestDeployBodyValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDeployer{resp: okResponse()})
	h := srv.Handler()

	cases := []struct {
		name string
		body string
		want int
	}{
		{name: "invalid json", body: "{not json", want: http.StatusBadRequest},
		{name: "missing stack", body: `{"other":1}`, want: http.StatusBadRequest},
		{name: "empty body", body: "", want: http.StatusBadRequest},
		{name: "unknown stack", body: `{"stack":"ghost"}`, want: http.StatusNotFound},
		{name: "bad stack name", body: `{"stack":"../etc"}`, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(h, http.MethodPost, "/deploy", tc.body, sign(tc.body))
			if rr.Code != tc.want {
				t.Fatalf("got %d want %d body=%s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestFailedDeployReturns500Envelope(t *testing.T) {
	resp := okResponse()
	resp.OK = false
	resp.Steps = resp.Steps[:1]
	resp.Steps[0].OK = false
	srv, _ := newTestServer(t, &fakeDeployer{resp: resp})
	h := srv.Handler()

	rr := do(h, http.MethodPost, "/deploy/web", "", sign("web"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got %d want 500", rr.Code)
	}
	var decoded deploy.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.OK || len(decoded.Steps) != 1 {
		t.Fatalf("unexpected envelope %+v", decoded)
	}
}

func TestRateLimitAppliesBeforeEverything(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDeployer{resp: okResponse()})
	srv.limiter = ratelimit.NewSlidingWindow(2)
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		if rr := do(h, http.MethodGet, "/health", "", ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i+1, rr.Code)
		}
	}
	// Third request is rejected even though /health needs no auth or parsing.
	rr := do(h, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d want 429", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "rate limit exceeded") {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestPanicBecomesGeneric500(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDeployer{panics: true})
	h := srv.Handler()

	rr := do(h, http.MethodPost, "/deploy/web", "", sign("web"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got %d want 500", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal server error") {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "exploded") {
		t.Fatalf("panic detail leaked to client: %q", rr.Body.String())
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDeployer{resp: okResponse()})
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), 0)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	srv.hist = store
	h := srv.Handler()

	// A deploy is recorded...
	rr := do(h, http.MethodPost, "/deploy/web", "", sign("web"))
	if rr.Code != http.StatusOK {
		t.Fatalf("deploy: got %d", rr.Code)
	}

	// ...and shows up for a signed reader.
	rr = do(h, http.MethodGet, "/deploys", "", sign("/deploys"))
	if rr.Code != http.StatusOK {
		t.Fatalf("history: got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"stack":"web"`) {
		t.Fatalf("missing record: %s", rr.Body.String())
	}

	// Unsigned readers are rejected.
	if rr := do(h, http.MethodGet, "/deploys", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned history: got %d want 401", rr.Code)
	}
}

func TestDeployOutlivesClientDisconnect(t *testing.T) {
	fd := &fakeDeployer{resp: okResponse()}
	srv, _ := newTestServer(t, fd)
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), 0)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	srv.hist = store
	h := srv.Handler()

	// A canceled request context models the client hanging up before the
	// pipeline finishes.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/deploy/web", nil).WithContext(ctx)
	req.Header.Set(signatureHeader, sign("web"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if fd.gotCtxErr != nil {
		t.Fatalf("pipeline context carried cancellation: %v", fd.gotCtxErr)
	}
	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Stack != "web" {
		t.Fatalf("deploy not recorded after disconnect: %+v", got)
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDeployer{resp: okResponse()})
	h := srv.Handler()

	rr := do(h, http.MethodGet, "/deploys", "", sign("/deploys"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("got %d want 404", rr.Code)
	}
}

func TestStackInspect(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDeployer{resp: okResponse()})
	h := srv.Handler()

	rr := do(h, http.MethodGet, "/stacks/web", "", sign("/stacks/web"))
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d body=%s", rr.Code, rr.Body.String())
	}
	var decoded struct {
		OK        bool     `json:"ok"`
		Stack     string   `json:"stack"`
		Services  []string `json:"services"`
		Variables []string `json:"variables"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.OK || decoded.Stack != "web" {
		t.Fatalf("unexpected response %+v", decoded)
	}
	if len(decoded.Services) != 1 || decoded.Services[0] != "web" {
		t.Fatalf("unexpected services %v", decoded.Services)
	}
	if len(decoded.Variables) != 1 || decoded.Variables[0] != "DB_PASSWORD" {
		t.Fatalf("unexpected variables %v", decoded.Variables)
	}

	if rr := do(h, http.MethodGet, "/stacks/web", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned inspect: got %d want 401", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/stacks/ghost", "", sign("/stacks/ghost")); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown stack: got %d want 404", rr.Code)
	}
}
