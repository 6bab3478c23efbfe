package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// ChromeConfig configures headless Chrome engines
type ChromeConfig struct {
	ExecPath       string // empty uses chromedp's lookup
	UserAgent      string
	StartupTimeout time.Duration
}

// ChromeDriver launches headless Chrome via chromedp
type ChromeDriver struct {
	cfg ChromeConfig
}

// NewChromeDriver creates a driver for headless Chrome
func NewChromeDriver(cfg ChromeConfig) *ChromeDriver {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &ChromeDriver{cfg: cfg}
}

// NewEngine starts one Chrome process. Its lifetime is independent of ctx, which only
// bounds the startup.
func (d *ChromeDriver) NewEngine(ctx context.Context) (Engine, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run launches the process
	if err := runBounded(ctx, browserCtx, browserCancel, d.cfg.StartupTimeout); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	return &chromeEngine{
		browserCtx:     browserCtx,
		browserCancel:  browserCancel,
		allocCancel:    allocCancel,
		startupTimeout: d.cfg.StartupTimeout,
	}, nil
}

type chromeEngine struct {
	browserCtx     context.Context
	browserCancel  context.CancelFunc
	allocCancel    context.CancelFunc
	startupTimeout time.Duration
}

// NewContext creates an incognito-style browser context with its own cookie jar
func (e *chromeEngine) NewContext(ctx context.Context) (Context, error) {
	cctx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
	if err := runBounded(ctx, cctx, cancel, e.startupTimeout); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	return &chromeContext{ctx: cctx, cancel: cancel, startupTimeout: e.startupTimeout}, nil
}

func (e *chromeEngine) Close() error {
	e.browserCancel()
	e.allocCancel()
	return nil
}

type chromeContext struct {
	ctx            context.Context
	cancel         context.CancelFunc
	startupTimeout time.Duration
}

// NewPage opens a new tab inside this browser context
func (c *chromeContext) NewPage(ctx context.Context) (Page, error) {
	pctx, cancel := chromedp.NewContext(c.ctx)
	if err := runBounded(ctx, pctx, cancel, c.startupTimeout); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return &chromePage{ctx: pctx, cancel: cancel}, nil
}

func (c *chromeContext) Close() error {
	c.cancel()
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions against the tab, bounded by the caller's ctx without tying the
// tab's lifetime to it
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out any) error {
	var raw json.RawMessage
	err := p.run(ctx, chromedp.Evaluate(expression, &raw, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
		return params.WithAwaitPromise(true)
	}))
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode evaluation result: %w", err)
	}
	return nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) SetValue(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	var cookies []Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		raw, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range raw {
			cookie := Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
			}
			if c.Expires > 0 {
				cookie.Expires = time.Unix(int64(c.Expires), 0)
			}
			cookies = append(cookies, cookie)
		}
		return nil
	}))
	return cookies, err
}

func (p *chromePage) SetCookies(ctx context.Context, cookies []Cookie) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			params := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure)
			if !c.Expires.IsZero() {
				expires := cdp.TimeSinceEpoch(c.Expires)
				params = params.WithExpires(&expires)
			}
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// runBounded materializes a chromedp target. The first Run must use the chromedp context
// itself (a derived timeout context would tear the target down when it expires), so the
// bound is enforced by cancelling the target instead.
func runBounded(caller context.Context, target context.Context, cancelTarget context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(target)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		cancelTarget()
		return fmt.Errorf("chrome target not ready after %v", timeout)
	case <-caller.Done():
		cancelTarget()
		return caller.Err()
	}
}
