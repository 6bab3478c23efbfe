package browser

import (
	"context"
	"time"
)

// Driver launches engines. One engine is one automation process.
type Driver interface {
	NewEngine(ctx context.Context) (Engine, error)
}

// Engine hosts isolated contexts (separate cookie/storage jars).
type Engine interface {
	NewContext(ctx context.Context) (Context, error)
	Close() error
}

// Context opens pages that share its cookie jar.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab checked out to a caller.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JS expression, awaiting a returned promise, and decodes the result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	WaitVisible(ctx context.Context, selector string) error
	SetValue(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Close() error
}

// Cookie is a browser cookie in a driver-neutral form
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly"`
	Secure   bool      `json:"secure"`
}
