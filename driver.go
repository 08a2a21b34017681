package flarebypass

import (
	"context"
	"image"
	"time"
)

// Cookie is a browser cookie as exchanged with callers.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Request describes one solve.
type Request struct {
	URL        string
	Command    string
	Cookies    []Cookie
	MaxTimeout time.Duration
	Proxy      string
	Params     map[string]any
}

// clone returns a copy that commands may rewrite freely.
func (r *Request) clone() *Request {
	c := *r
	if r.Cookies != nil {
		c.Cookies = append([]Cookie(nil), r.Cookies...)
	}
	if r.Params != nil {
		c.Params = make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// Response is the outcome of a successful solve.
type Response struct {
	URL       string
	Cookies   []Cookie
	UserAgent string
	Message   string
	Response  any
}

// SessionOptions parameterize a new browser session.
type SessionOptions struct {
	Proxy      string
	DisableGPU bool
	Headless   bool
}

// PageInspector is the read-only part of a driver used for page classification.
type PageInspector interface {
	// Title returns the page title; ok is false while no title is available.
	Title(ctx context.Context) (title string, ok bool, err error)
	SelectCount(ctx context.Context, selector string) (int, error)
}

// BrowserDriver controls one browser session with a single page.
type BrowserDriver interface {
	PageInspector

	// Navigate loads url, closing any other tab of the session.
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context) (image.Image, error)
	SaveScreenshot(ctx context.Context, path string) error
	DOM(ctx context.Context) (string, error)
	UserAgent(ctx context.Context) (string, error)
	// Click presses the left mouse button at a viewport coordinate.
	Click(ctx context.Context, p image.Point) error
	CurrentURL(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Close() error
	// Outputs returns what the browser process wrote, if it was captured.
	Outputs() (stdout, stderr string, ok bool)
}

// DriverFactory creates browser sessions.
type DriverFactory interface {
	Create(ctx context.Context, opts SessionOptions) (BrowserDriver, error)
}

// DriverFactoryFunc adapts a function to DriverFactory.
type DriverFactoryFunc func(ctx context.Context, opts SessionOptions) (BrowserDriver, error)

func (f DriverFactoryFunc) Create(ctx context.Context, opts SessionOptions) (BrowserDriver, error) {
	return f(ctx, opts)
}
