package flarebypass

import (
	"context"
	"errors"
	"image"
	"sync"
)

// fakeDriver is an in-memory BrowserDriver. The page it shows is controlled
// through setPage; onClick lets a test change the page in response to a click.
type fakeDriver struct {
	mu sync.Mutex

	title     string
	noTitle   bool
	selectors map[string]int
	shot      image.Image
	url       string
	cookies   []Cookie
	ua        string
	dom       string

	navigated  []string
	setCookies []Cookie
	clicks     []image.Point
	closed     int
	uaCalls    int

	navigateErr error
	closeErr    error
	hang        bool
	onClick     func(d *fakeDriver)
}

func newFakeDriver(title string) *fakeDriver {
	return &fakeDriver{
		title:     title,
		selectors: map[string]int{"html": 1},
		shot:      image.NewRGBA(image.Rect(0, 0, 64, 64)),
		url:       "https://example.com/",
		ua:        "Mozilla/5.0 (fake)",
		dom:       "<html><body>ok</body></html>",
	}
}

// setPage must be called with mu held.
func (d *fakeDriver) setPage(title string, selectors map[string]int) {
	d.title = title
	d.noTitle = false
	d.selectors = map[string]int{"html": 1}
	for k, v := range selectors {
		d.selectors[k] = v
	}
}

func (d *fakeDriver) wait(ctx context.Context) error {
	d.mu.Lock()
	hang := d.hang
	d.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (d *fakeDriver) Title(ctx context.Context) (string, bool, error) {
	if err := d.wait(ctx); err != nil {
		return "", false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noTitle {
		return "", false, nil
	}
	return d.title, true, nil
}

func (d *fakeDriver) SelectCount(ctx context.Context, selector string) (int, error) {
	if err := d.wait(ctx); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selectors[selector], nil
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.navigateErr != nil {
		return d.navigateErr
	}
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *fakeDriver) Screenshot(ctx context.Context) (image.Image, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shot, nil
}

func (d *fakeDriver) SaveScreenshot(ctx context.Context, path string) error {
	img, err := d.Screenshot(ctx)
	if err != nil {
		return err
	}
	return writePNG(path, img)
}

func (d *fakeDriver) DOM(ctx context.Context) (string, error) {
	if err := d.wait(ctx); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dom, nil
}

func (d *fakeDriver) UserAgent(ctx context.Context) (string, error) {
	if err := d.wait(ctx); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uaCalls++
	return d.ua, nil
}

func (d *fakeDriver) Click(ctx context.Context, p image.Point) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks = append(d.clicks, p)
	if d.onClick != nil {
		d.onClick(d)
	}
	return nil
}

func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) {
	if err := d.wait(ctx); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *fakeDriver) Cookies(ctx context.Context) ([]Cookie, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(append([]Cookie(nil), d.cookies...), d.setCookies...), nil
}

func (d *fakeDriver) SetCookies(ctx context.Context, cookies []Cookie) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setCookies = append(d.setCookies, cookies...)
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return d.closeErr
}

func (d *fakeDriver) Outputs() (string, string, bool) {
	return "", "", false
}

func (d *fakeDriver) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDriver) clickCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clicks)
}

func (d *fakeDriver) navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigated...)
}

// fakeFactory hands out one driver and records the options it was asked for.
type fakeFactory struct {
	mu     sync.Mutex
	driver *fakeDriver
	opts   []SessionOptions
	err    error
}

func (f *fakeFactory) Create(_ context.Context, opts SessionOptions) (BrowserDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	if f.driver == nil {
		return nil, errors.New("no driver")
	}
	return f.driver, nil
}

func (f *fakeFactory) lastOptions() SessionOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}
