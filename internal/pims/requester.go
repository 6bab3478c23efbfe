package pims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"pimssync/internal/browser"
	"pimssync/internal/metrics"
)

// Request is one same-origin call issued from inside an authenticated page
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Form    url.Values // sent urlencoded when set
	JSON    any        // sent as application/json when set
	Headers map[string]string
}

// Response is what the in-page fetch returned
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// RequesterConfig tunes the shared request path for one remote tenant
type RequesterConfig struct {
	BaseURL           string
	Name              string  // breaker name, one per tenant
	RequestsPerSecond float64 // 0 disables limiting
	Burst             int
	BreakerTimeout    time.Duration // open -> half-open
}

// Requester issues fetches from inside pooled pages so the session's cookies and
// origin apply. Every call passes a rate limiter and a circuit breaker.
type Requester struct {
	base    *url.URL
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*Response]
	name    string
}

// NewRequester creates a requester rooted at cfg.BaseURL
func NewRequester(cfg RequesterConfig) (*Requester, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid PIMS base URL %q", cfg.BaseURL)
	}
	if cfg.Name == "" {
		cfg.Name = "pims-" + base.Host
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 2 * time.Minute
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond*2) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		// Opens at >= 60% failures with at least 10 requests in the window
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= 0.6 {
				log.Printf("⚠️  [PIMS] Circuit %s opening: %d/%d requests failed", cfg.Name, counts.TotalFailures, counts.Requests)
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("🔌 [PIMS] Circuit %s: %s -> %s", name, from, to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
		// Only infrastructure failures count against the remote; a 404 is a healthy answer
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) != CategoryNetwork
		},
	})

	return &Requester{base: base, limiter: limiter, breaker: breaker, name: cfg.Name}, nil
}

// BaseURL returns the tenant origin
func (r *Requester) BaseURL() string {
	return r.base.String()
}

// URL resolves path against the base URL
func (r *Requester) URL(path string, query url.Values) string {
	u := *r.base
	// path arrives escaped, so keep its encoding instead of escaping it twice
	raw := strings.TrimRight(r.base.EscapedPath(), "/") + "/" + strings.TrimLeft(path, "/")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		u.Path = unescaped
		u.RawPath = raw
	} else {
		u.Path = raw
		u.RawPath = ""
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Do performs req inside page. Non-2xx statuses are returned as classified errors
// alongside the response.
func (r *Requester) Do(ctx context.Context, page browser.Page, op string, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, Wrap(op, "", err)
	}

	expression, err := r.fetchExpression(req)
	if err != nil {
		return nil, &Error{Category: CategoryValidation, Op: op, Err: err}
	}

	resp, err := r.breaker.Execute(func() (*Response, error) {
		var out Response
		if err := page.Evaluate(ctx, expression, &out); err != nil {
			return nil, Wrap(op, "", err)
		}
		if out.Status == 0 {
			return nil, &Error{Category: CategoryNetwork, Op: op, Err: errors.New("fetch failed: empty response")}
		}
		if !out.OK() {
			return &out, StatusError(op, "", out.Status, out.Body)
		}
		return &out, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &Error{Category: CategoryNetwork, Op: op, Err: err}
		}
		metrics.RemoteRequests.WithLabelValues(op, string(Classify(err))).Inc()
		return resp, err
	}

	metrics.RemoteRequests.WithLabelValues(op, "ok").Inc()
	return resp, nil
}

// JSON performs req and decodes a 2xx body into out
func (r *Requester) JSON(ctx context.Context, page browser.Page, op, id string, req Request, out any) error {
	resp, err := r.Do(ctx, page, op, req)
	if err != nil {
		return Wrap(op, id, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(resp.Body), out); err != nil {
		return &Error{Category: CategoryValidation, Op: op, ID: id, StatusCode: resp.Status,
			Err: fmt.Errorf("invalid JSON response: %w", err)}
	}
	return nil
}

// fetchExpression renders req as an awaited in-page fetch. All dynamic values are
// JSON-encoded so nothing is spliced into the script unescaped.
func (r *Requester) fetchExpression(req Request) (string, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	headers := map[string]string{"Accept": "application/json, text/plain, */*", "X-Requested-With": "XMLHttpRequest"}
	for k, v := range req.Headers {
		headers[k] = v
	}

	var body *string
	switch {
	case req.JSON != nil:
		raw, err := json.Marshal(req.JSON)
		if err != nil {
			return "", fmt.Errorf("failed to encode request body: %w", err)
		}
		s := string(raw)
		body = &s
		headers["Content-Type"] = "application/json"
	case req.Form != nil:
		s := req.Form.Encode()
		body = &s
		headers["Content-Type"] = "application/x-www-form-urlencoded"
	}

	init := map[string]any{
		"method":      method,
		"credentials": "same-origin",
		"headers":     headers,
	}
	if body != nil {
		init["body"] = *body
	}

	target, err := json.Marshal(r.URL(req.Path, req.Query))
	if err != nil {
		return "", err
	}
	options, err := json.Marshal(init)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`(async () => {
  const res = await fetch(%s, %s);
  return { status: res.status, body: await res.text(), url: res.url };
})()`, target, options), nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
