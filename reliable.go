package flarebypass

import (
	"context"
	"errors"
	"image"
	"time"
)

const (
	staleRetryAttempts = 5
	reliableForks      = 3
)

type forkResult[T any] struct {
	index int
	value T
	err   error
}

// ReliableCall runs op and, while it has not returned, starts a duplicate
// after step and another after 2*step. The first successful invocation wins
// and the context of every other invocation is cancelled. Each invocation
// retries by itself on ErrStaleSession. When every started invocation fails
// the primary's error is returned.
//
// op may run several times concurrently, so it must be idempotent.
func ReliableCall[T any](ctx context.Context, step time.Duration, op func(context.Context) (T, error)) (T, error) {
	if step <= 0 {
		return retryStale(ctx, op)
	}

	var zero T
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan forkResult[T], reliableForks)
	launch := func(index int) {
		go func() {
			v, err := retryStale(raceCtx, op)
			results <- forkResult[T]{index: index, value: v, err: err}
		}()
	}

	launch(0)
	launched, running := 1, 1
	var primaryErr error

	timer := time.NewTimer(step)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timer.C:
			launch(launched)
			launched++
			running++
			if launched < reliableForks {
				timer.Reset(step)
			}
		case r := <-results:
			running--
			if r.err == nil {
				return r.value, nil
			}
			if r.index == 0 {
				primaryErr = r.err
			}
			// An invocation that answered with an error is not hung, so
			// pending forks are not started once nothing is running.
			if running == 0 {
				return zero, primaryErr
			}
		}
	}
}

func retryStale[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; attempt < staleRetryAttempts; attempt++ {
		v, err = op(ctx)
		if err == nil || !errors.Is(err, ErrStaleSession) || ctx.Err() != nil {
			return v, err
		}
	}
	return v, err
}

func reliableDo(ctx context.Context, step time.Duration, fn func(context.Context) error) error {
	_, err := ReliableCall(ctx, step, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ReliableDriver routes the calls of a BrowserDriver through ReliableCall.
// Close and Outputs are passed through unchanged.
type ReliableDriver struct {
	BrowserDriver

	step          time.Duration
	reliableClick bool
}

// NewReliableDriver wraps d. When reliableClick is set clicks are raced as
// well, which may press the same point more than once on a slow browser.
func NewReliableDriver(d BrowserDriver, step time.Duration, reliableClick bool) *ReliableDriver {
	return &ReliableDriver{
		BrowserDriver: d,
		step:          step,
		reliableClick: reliableClick,
	}
}

type titleResult struct {
	title string
	ok    bool
}

func (d *ReliableDriver) Title(ctx context.Context) (string, bool, error) {
	r, err := ReliableCall(ctx, d.step, func(ctx context.Context) (titleResult, error) {
		title, ok, err := d.BrowserDriver.Title(ctx)
		return titleResult{title: title, ok: ok}, err
	})
	return r.title, r.ok, err
}

func (d *ReliableDriver) SelectCount(ctx context.Context, selector string) (int, error) {
	return ReliableCall(ctx, d.step, func(ctx context.Context) (int, error) {
		return d.BrowserDriver.SelectCount(ctx, selector)
	})
}

func (d *ReliableDriver) Navigate(ctx context.Context, url string) error {
	return reliableDo(ctx, d.step, func(ctx context.Context) error {
		return d.BrowserDriver.Navigate(ctx, url)
	})
}

func (d *ReliableDriver) Screenshot(ctx context.Context) (image.Image, error) {
	return ReliableCall(ctx, d.step, d.BrowserDriver.Screenshot)
}

func (d *ReliableDriver) SaveScreenshot(ctx context.Context, path string) error {
	return reliableDo(ctx, d.step, func(ctx context.Context) error {
		return d.BrowserDriver.SaveScreenshot(ctx, path)
	})
}

func (d *ReliableDriver) DOM(ctx context.Context) (string, error) {
	return ReliableCall(ctx, d.step, d.BrowserDriver.DOM)
}

func (d *ReliableDriver) UserAgent(ctx context.Context) (string, error) {
	return ReliableCall(ctx, d.step, d.BrowserDriver.UserAgent)
}

func (d *ReliableDriver) Click(ctx context.Context, p image.Point) error {
	if !d.reliableClick {
		return d.BrowserDriver.Click(ctx, p)
	}
	return reliableDo(ctx, d.step, func(ctx context.Context) error {
		return d.BrowserDriver.Click(ctx, p)
	})
}

func (d *ReliableDriver) CurrentURL(ctx context.Context) (string, error) {
	return ReliableCall(ctx, d.step, d.BrowserDriver.CurrentURL)
}

func (d *ReliableDriver) Cookies(ctx context.Context) ([]Cookie, error) {
	return ReliableCall(ctx, d.step, d.BrowserDriver.Cookies)
}

func (d *ReliableDriver) SetCookies(ctx context.Context, cookies []Cookie) error {
	return reliableDo(ctx, d.step, func(ctx context.Context) error {
		return d.BrowserDriver.SetCookies(ctx, cookies)
	})
}
