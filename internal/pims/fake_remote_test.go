package pims

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"pimssync/internal/browser"
	"pimssync/internal/browser/browsertest"
	"pimssync/internal/retry"
)

type routeFunc func(call fetchCall) (int, any)

type fetchCall struct {
	Method      string
	Path        string
	EscapedPath string
	Query       url.Values
	Body        string
	Headers     map[string]string
}

// fakeRemote answers the in-page fetches a Requester issues
type fakeRemote struct {
	mu       sync.Mutex
	routes   map[string]routeFunc // "METHOD /path"
	calls    []fetchCall
	rejectPW bool
	csrf     csrfSources
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{routes: make(map[string]routeFunc)}
}

func (f *fakeRemote) handle(method, path string, fn routeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = fn
}

func (f *fakeRemote) callsTo(method, path string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) driver() *browsertest.Driver {
	return &browsertest.Driver{
		OnClick: func(p *browsertest.Page, selector string) error {
			f.mu.Lock()
			reject := f.rejectPW
			f.mu.Unlock()
			if !reject && p.Value(`input[name="password"]`) != "" {
				p.Context().AddCookie(browser.Cookie{Name: "PHPSESSID", Value: "sess-123", Domain: "pims.test", Path: "/"})
			}
			return nil
		},
		OnEvaluate: func(p *browsertest.Page, expression string) (any, error) {
			if expression == csrfExpression {
				f.mu.Lock()
				defer f.mu.Unlock()
				return f.csrf, nil
			}
			return f.serve(expression)
		},
	}
}

func (f *fakeRemote) serve(expression string) (any, error) {
	call, err := parseFetch(expression)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	route, ok := f.routes[call.Method+" "+call.Path]
	f.mu.Unlock()

	if !ok {
		return Response{Status: 404, Body: `{"error":"not found"}`}, nil
	}
	status, payload := route(call)
	if err, ok := payload.(error); ok {
		return nil, err
	}
	body, ok := payload.(string)
	if !ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = string(raw)
	}
	return Response{Status: status, Body: body}, nil
}

// parseFetch recovers the URL and init object from a fetch expression
func parseFetch(expression string) (fetchCall, error) {
	idx := strings.Index(expression, "fetch(")
	if idx < 0 {
		return fetchCall{}, fmt.Errorf("not a fetch expression")
	}
	rest := expression[idx+len("fetch("):]

	dec := json.NewDecoder(strings.NewReader(rest))
	var target string
	if err := dec.Decode(&target); err != nil {
		return fetchCall{}, err
	}
	rest = strings.TrimSpace(rest[dec.InputOffset():])
	rest = strings.TrimPrefix(rest, ",")

	var init struct {
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&init); err != nil {
		return fetchCall{}, err
	}

	u, err := url.Parse(target)
	if err != nil {
		return fetchCall{}, err
	}
	return fetchCall{Method: init.Method, Path: u.Path, EscapedPath: u.EscapedPath(), Query: u.Query(), Body: init.Body, Headers: init.Headers}, nil
}

func newTestClient(t *testing.T, remote *fakeRemote) *Client {
	t.Helper()

	pool := browser.NewPool(remote.driver(), browser.Config{
		MaxEngines:           1,
		MaxContextsPerEngine: 2,
		OperationTimeout:     5 * time.Second,
		AcquireTimeout:       5 * time.Second,
	})
	t.Cleanup(func() { pool.Close() })

	consultations := DefaultConsultationConfig()
	consultations.BatchDelay = time.Millisecond
	consultations.Retry.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	client, err := NewClient(pool, ClientConfig{
		Provider:      "vetnova",
		BaseURL:       "https://pims.test",
		Location:      time.UTC,
		Auth:          AuthConfig{LoginWait: 20 * time.Millisecond},
		Consultations: consultations,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func login(t *testing.T, client *Client) {
	t.Helper()
	ok, err := client.Auth.Authenticate(context.Background(), Credentials{Username: "front-desk", Password: "secret"})
	if err != nil || !ok {
		t.Fatalf("login failed: ok=%v err=%v", ok, err)
	}
}

func noSleepPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.ShouldRetry = IsRetryable
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}
