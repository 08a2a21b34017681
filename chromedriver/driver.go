package chromedriver

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/cloudflyer-project/flarebypass"
)

// Messages of DevTools errors raised when the page was replaced under a call.
var staleMessages = []string{
	"Cannot find context with specified id",
	"Execution context was destroyed",
	"Inspected target navigated or closed",
	"No node with given id found",
	"Could not find node with given id",
	"Node with given id does not belong to the document",
}

// Driver controls one browser process and its single page.
type Driver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	userDataDir string
	output      *outputBuffer
	logger      zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ flarebypass.BrowserDriver = (*Driver)(nil)

// run executes actions on the page, bounded by both ctx and the session.
func (d *Driver) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return classify(op, err)
}

// classify marks errors caused by the page changing under a call as
// transient so they are retried.
func classify(op string, err error) error {
	msg := err.Error()
	for _, m := range staleMessages {
		if strings.Contains(msg, m) {
			return flarebypass.NewDriverTransientError(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Title returns document.title; ok is false while there is no document.
func (d *Driver) Title(ctx context.Context) (string, bool, error) {
	var title *string
	err := d.run(ctx, "title", chromedp.Evaluate(`document.documentElement ? document.title : null`, &title))
	if err != nil {
		return "", false, err
	}
	if title == nil {
		return "", false, nil
	}
	return *title, true, nil
}

// SelectCount returns how many elements match a CSS selector.
func (d *Driver) SelectCount(ctx context.Context, selector string) (int, error) {
	var n int
	expr := fmt.Sprintf(`document.querySelectorAll(%q).length`, selector)
	if err := d.run(ctx, "select", chromedp.Evaluate(expr, &n)); err != nil {
		return 0, err
	}
	return n, nil
}

// Navigate closes every other tab and loads url.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := d.closeOtherTabs(ctx); err != nil {
		d.logger.Debug().Err(err).Msg("Failed to close extra tabs")
	}
	return d.run(ctx, "navigate", chromedp.Navigate(url))
}

func (d *Driver) closeOtherTabs(ctx context.Context) error {
	c := chromedp.FromContext(d.ctx)
	if c == nil || c.Target == nil || c.Browser == nil {
		return nil
	}
	targets, err := chromedp.Targets(d.ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t.Type != "page" || t.TargetID == c.Target.TargetID {
			continue
		}
		if err := target.CloseTarget(t.TargetID).Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) capture(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, "screenshot", chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Screenshot captures the viewport.
func (d *Driver) Screenshot(ctx context.Context) (image.Image, error) {
	buf, err := d.capture(ctx)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

// SaveScreenshot writes a PNG of the viewport to path.
func (d *Driver) SaveScreenshot(ctx context.Context, path string) error {
	buf, err := d.capture(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// DOM returns the serialized document.
func (d *Driver) DOM(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, "dom", chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// UserAgent returns navigator.userAgent.
func (d *Driver) UserAgent(ctx context.Context) (string, error) {
	var ua string
	if err := d.run(ctx, "user agent", chromedp.Evaluate(`navigator.userAgent`, &ua)); err != nil {
		return "", err
	}
	return ua, nil
}

// Click presses and releases the left button at p.
func (d *Driver) Click(ctx context.Context, p image.Point) error {
	return d.run(ctx, "click", chromedp.MouseClickXY(float64(p.X), float64(p.Y)))
}

// CurrentURL returns the page location.
func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := d.run(ctx, "location", chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

// Cookies returns all cookies of the browser.
func (d *Driver) Cookies(ctx context.Context) ([]flarebypass.Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, "get cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	cookies := make([]flarebypass.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, fromNetworkCookie(c))
	}
	return cookies, nil
}

// SetCookies adds cookies. Cookies without a domain apply to the current page.
func (d *Driver) SetCookies(ctx context.Context, cookies []flarebypass.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	var pageURL string
	for _, c := range cookies {
		if c.Domain == "" {
			u, err := d.CurrentURL(ctx)
			if err != nil {
				return err
			}
			pageURL = u
			break
		}
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toCookieParam(c, pageURL))
	}
	return d.run(ctx, "set cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
}

// Close stops the browser and removes its profile directory. It is safe to
// call more than once.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.allocCancel()
		d.closeErr = os.RemoveAll(d.userDataDir)
	})
	return d.closeErr
}

// Outputs returns what the browser process printed. Chrome writes both
// streams to one pipe, so everything is reported as stdout.
func (d *Driver) Outputs() (string, string, bool) {
	return d.output.String(), "", true
}

func fromNetworkCookie(c *network.Cookie) flarebypass.Cookie {
	out := flarebypass.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: string(c.SameSite),
	}
	if !c.Session && c.Expires > 0 {
		out.Expires = c.Expires
	}
	return out
}

func toCookieParam(c flarebypass.Cookie, pageURL string) *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if c.Domain == "" {
		p.URL = pageURL
	}
	if p.Path == "" {
		p.Path = "/"
	}

	switch strings.ToLower(c.SameSite) {
	case "strict":
		p.SameSite = network.CookieSameSiteStrict
	case "lax":
		p.SameSite = network.CookieSameSiteLax
	case "none":
		p.SameSite = network.CookieSameSiteNone
	}

	if c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		t := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*float64(time.Second))))
		p.Expires = &t
	}
	return p
}

// outputBuffer collects browser output written from the allocator goroutine.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
