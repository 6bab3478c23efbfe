// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"pimssync/internal/browser"
)

// Driver is a scriptable fake. Hooks run with the page that triggered them, so a test can
// inspect the current URL or plant cookies in the page's context jar.
type Driver struct {
	// Failure injection
	EngineErr  error
	ContextErr error
	PageErr    error

	OnNavigate func(p *Page, url string) error
	OnClick    func(p *Page, selector string) error
	// OnEvaluate returns a value that is JSON round-tripped into the caller's out
	OnEvaluate func(p *Page, expression string) (any, error)

	mu              sync.Mutex
	enginesLaunched int
	contextsCreated int
	pagesOpened     int
	enginesClosed   int
	contextsClosed  int
	pagesClosed     int
	evaluations     []string
}

var _ browser.Driver = (*Driver)(nil)

// Counts is a snapshot of driver activity
type Counts struct {
	EnginesLaunched int
	ContextsCreated int
	PagesOpened     int
	EnginesClosed   int
	ContextsClosed  int
	PagesClosed     int
}

// Counts returns a snapshot of lifecycle calls so far
func (d *Driver) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Counts{
		EnginesLaunched: d.enginesLaunched,
		ContextsCreated: d.contextsCreated,
		PagesOpened:     d.pagesOpened,
		EnginesClosed:   d.enginesClosed,
		ContextsClosed:  d.contextsClosed,
		PagesClosed:     d.pagesClosed,
	}
}

// Evaluations returns every expression evaluated, in order
func (d *Driver) Evaluations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.evaluations))
	copy(out, d.evaluations)
	return out
}

func (d *Driver) NewEngine(ctx context.Context) (browser.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.EngineErr != nil {
		return nil, d.EngineErr
	}
	d.mu.Lock()
	d.enginesLaunched++
	d.mu.Unlock()
	return &Engine{driver: d}, nil
}

// Engine is a fake automation process
type Engine struct {
	driver *Driver
}

func (e *Engine) NewContext(ctx context.Context) (browser.Context, error) {
	if e.driver.ContextErr != nil {
		return nil, e.driver.ContextErr
	}
	e.driver.mu.Lock()
	e.driver.contextsCreated++
	e.driver.mu.Unlock()
	return &Context{driver: e.driver}, nil
}

func (e *Engine) Close() error {
	e.driver.mu.Lock()
	e.driver.enginesClosed++
	e.driver.mu.Unlock()
	return nil
}

// Context holds the cookie jar shared by its pages
type Context struct {
	driver *Driver

	mu      sync.Mutex
	cookies map[string]browser.Cookie
}

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	if c.driver.PageErr != nil {
		return nil, c.driver.PageErr
	}
	c.driver.mu.Lock()
	c.driver.pagesOpened++
	c.driver.mu.Unlock()
	return &Page{driver: c.driver, context: c, values: make(map[string]string)}, nil
}

func (c *Context) Close() error {
	c.driver.mu.Lock()
	c.driver.contextsClosed++
	c.driver.mu.Unlock()
	return nil
}

// AddCookie stores a cookie in the jar, replacing one with the same name
func (c *Context) AddCookie(cookie browser.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cookies == nil {
		c.cookies = make(map[string]browser.Cookie)
	}
	c.cookies[cookie.Name] = cookie
}

func (c *Context) list() []browser.Cookie {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]browser.Cookie, 0, len(c.cookies))
	for _, cookie := range c.cookies {
		out = append(out, cookie)
	}
	return out
}

// Page is a fake tab
type Page struct {
	driver  *Driver
	context *Context

	mu     sync.Mutex
	url    string
	values map[string]string
	clicks []string
	closed bool
}

// Context returns the page's owning context
func (p *Page) Context() *Context { return p.context }

// URL returns the last navigated URL
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Value returns what SetValue wrote to selector
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[selector]
}

// Clicks returns clicked selectors in order
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.clicks))
	copy(out, p.clicks)
	return out
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	if p.driver.OnNavigate != nil {
		return p.driver.OnNavigate(p, url)
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	p.driver.mu.Lock()
	p.driver.evaluations = append(p.driver.evaluations, expression)
	p.driver.mu.Unlock()

	if p.driver.OnEvaluate == nil {
		return nil
	}
	value, err := p.driver.OnEvaluate(p, expression)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	return p.usable(ctx)
}

func (p *Page) SetValue(ctx context.Context, selector, value string) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.values[selector] = value
	p.mu.Unlock()
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	p.mu.Unlock()
	if p.driver.OnClick != nil {
		return p.driver.OnClick(p, selector)
	}
	return nil
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	if err := p.usable(ctx); err != nil {
		return nil, err
	}
	return p.context.list(), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	for _, c := range cookies {
		p.context.AddCookie(c)
	}
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if !already {
		p.driver.mu.Lock()
		p.driver.pagesClosed++
		p.driver.mu.Unlock()
	}
	return nil
}

// ErrPageClosed is returned by actions on a closed page
var ErrPageClosed = errors.New("page closed")

func (p *Page) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPageClosed
	}
	return nil
}
