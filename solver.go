package flarebypass

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudflyer-project/flarebypass/internal/metrics"
)

// Step names reported in SolverError.
const (
	StepValidate          = "validate"
	StepProxyAcquire      = "proxy init"
	StepSessionInit       = "browser init"
	StepCommandPreprocess = "command preprocessing"
	StepNavigate          = "navigate to url"
	StepSetCookies        = "set cookies"
	StepChallengeCheck    = "check challenge"
	StepChallengeLoop     = "solve challenge"
	StepHarvest           = "get cookies"
	StepCommandProcess    = "command processing"
)

const (
	MessageNoChallenge = "Challenge not detected!"
	MessageSolved      = "Challenge solved!"
)

// Solver opens a browser session per request, waits for or clicks through
// the challenge page and collects the session state.
type Solver struct {
	factory         DriverFactory
	proxy           string
	proxyController *ProxyController
	commands        *CommandRegistry
	detector        *ChallengeDetector
	locator         *ClickPointLocator
	userAgents      *UserAgentCache
	headless        bool
	disableGPU      bool
	reliableStep    time.Duration
	reliableClick   bool
	pollInterval    time.Duration
	clickPause      time.Duration
	debugDir        string
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

// NewSolver creates a Solver that opens sessions through factory.
func NewSolver(factory DriverFactory, opts ...Option) *Solver {
	s := &Solver{
		factory:       factory,
		commands:      DefaultCommands(),
		detector:      NewChallengeDetector(nil, nil, nil, nil),
		locator:       defaultLocator,
		userAgents:    NewUserAgentCache(),
		headless:      true,
		reliableStep:  10 * time.Second,
		reliableClick: true,
		pollInterval:  time.Second,
		clickPause:    time.Second,
		logger:        zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Commands returns the names of the commands the solver accepts.
func (s *Solver) Commands() []string {
	return s.commands.Names()
}

func (s *Solver) validate(req *Request) (CommandProcessor, error) {
	if req == nil {
		return nil, NewValidationError("", "empty request")
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, NewValidationError("url", "should be defined")
	}
	if req.MaxTimeout <= 0 {
		return nil, NewValidationError("maxTimeout", "should be positive")
	}
	name := req.Command
	if name == "" {
		name = DefaultCommand
	}
	processor, ok := s.commands.Lookup(name)
	if !ok {
		return nil, NewValidationError("cmd", "unknown command: "+name)
	}
	return processor, nil
}

type outcome struct {
	res *Response
	err error
}

// Solve runs one request. It returns within req.MaxTimeout; the browser
// session and proxy lease are released on every path.
func (s *Solver) Solve(ctx context.Context, req *Request) (*Response, error) {
	processor, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	command := req.Command
	if command == "" {
		command = DefaultCommand
	}

	run := newSolveRun(s, req)
	run.log.Info().Str("cmd", command).Dur("max_timeout", req.MaxTimeout).Msg("Solve started")

	ctx, cancel := context.WithTimeout(ctx, req.MaxTimeout)
	defer cancel()

	start := time.Now()
	s.metrics.SolveStarted()

	done := make(chan outcome, 1)
	go func() {
		res, err := run.resolve(ctx, processor)
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		// The pipeline may be stuck inside a browser call that ignores the
		// context; teardown below closes the session under it.
		o.err = run.fail(ctx.Err())
	}

	if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var blocked *BlockedError
		if !errors.As(o.err, &blocked) {
			o.err = NewSolverError(run.currentStep(),
				NewTimeoutError(fmt.Sprintf("processing timeout (max_timeout=%s)", req.MaxTimeout)))
		}
	}

	run.teardown(o.err != nil)

	failedStep := ""
	var solveErr *SolverError
	if errors.As(o.err, &solveErr) {
		failedStep = solveErr.Step
	}
	s.metrics.SolveFinished(command, failedStep, time.Since(start))

	if o.err != nil {
		run.log.Error().Err(o.err).Str("step", failedStep).Msg("Solve failed")
		return nil, o.err
	}
	run.log.Info().Str("message", o.res.Message).Dur("elapsed", time.Since(start)).Msg("Solve finished")
	return o.res, nil
}

// solveRun holds the state of one Solve call shared between the pipeline
// goroutine and the caller.
type solveRun struct {
	s   *Solver
	req *Request
	id  string
	log zerolog.Logger

	mu       sync.Mutex
	step     string
	driver   BrowserDriver
	lease    *ProxyLease
	tornDown bool
	shots    int
}

func newSolveRun(s *Solver, req *Request) *solveRun {
	id := uuid.NewString()
	return &solveRun{
		s:    s,
		req:  req,
		id:   id,
		step: StepValidate,
		log:  s.logger.With().Str("request_id", id).Str("url", req.URL).Logger(),
	}
}

func (r *solveRun) enter(ctx context.Context, step string) error {
	r.mu.Lock()
	r.step = step
	r.mu.Unlock()
	r.log.Debug().Str("step", step).Msg("Solve step")
	return ctx.Err()
}

func (r *solveRun) currentStep() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

func (r *solveRun) fail(err error) error {
	return NewSolverError(r.currentStep(), err)
}

// setDriver registers the session for teardown. It reports false when
// teardown already ran; the caller then owns d.
func (r *solveRun) setDriver(d BrowserDriver) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tornDown {
		return false
	}
	r.driver = d
	return true
}

func (r *solveRun) setLease(l *ProxyLease) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tornDown {
		return false
	}
	r.lease = l
	return true
}

func (r *solveRun) teardown(failed bool) {
	r.mu.Lock()
	if r.tornDown {
		r.mu.Unlock()
		return
	}
	r.tornDown = true
	driver, lease := r.driver, r.lease
	r.mu.Unlock()

	if driver != nil {
		if failed {
			if stdout, stderr, ok := driver.Outputs(); ok {
				r.log.Debug().Str("stdout", stdout).Str("stderr", stderr).Msg("Browser output")
			}
		}
		if err := driver.Close(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to close browser session")
		}
	}
	if lease != nil {
		lease.Release()
	}
}

func proxyHasCredentials(proxy string) bool {
	if u, err := url.Parse(proxy); err == nil && u.User != nil {
		return true
	}
	return strings.Contains(proxy, "@")
}

func (r *solveRun) resolve(ctx context.Context, processor CommandProcessor) (*Response, error) {
	s := r.s

	if err := r.enter(ctx, StepProxyAcquire); err != nil {
		return nil, r.fail(err)
	}
	proxy := r.req.Proxy
	if proxy == "" {
		proxy = s.proxy
	}
	if proxy != "" && proxyHasCredentials(proxy) {
		if s.proxyController == nil {
			return nil, r.fail(NewProxyError("a proxy with credentials requires a proxy controller", nil))
		}
		lease, err := s.proxyController.Lease(ctx, proxy)
		if err != nil {
			return nil, r.fail(err)
		}
		if !r.setLease(lease) {
			lease.Release()
			return nil, r.fail(context.Cause(ctx))
		}
		proxy = lease.LocalAddress()
	}

	if err := r.enter(ctx, StepSessionInit); err != nil {
		return nil, r.fail(err)
	}
	sessionOpts := SessionOptions{
		Proxy:      proxy,
		DisableGPU: s.disableGPU,
		Headless:   s.headless,
	}
	driver, err := s.factory.Create(ctx, sessionOpts)
	if err != nil {
		return nil, r.fail(err)
	}
	if !r.setDriver(driver) {
		if err := driver.Close(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to close browser session")
		}
		return nil, r.fail(context.Cause(ctx))
	}
	if s.reliableStep > 0 {
		driver = NewReliableDriver(driver, s.reliableStep, s.reliableClick)
	}
	r.log.Info().Str("proxy", RedactProxy(proxy)).Msg("Browser session created")

	if err := r.enter(ctx, StepCommandPreprocess); err != nil {
		return nil, r.fail(err)
	}
	prepared, navigate, err := processor.Preprocess(ctx, r.req.clone(), driver)
	if err != nil {
		return nil, r.fail(err)
	}

	if err := r.enter(ctx, StepNavigate); err != nil {
		return nil, r.fail(err)
	}
	if navigate {
		if err := driver.Navigate(ctx, prepared.URL); err != nil {
			return nil, r.fail(err)
		}
	}
	r.debugShot(ctx, driver, "navigated", nil, nil)

	if err := r.enter(ctx, StepSetCookies); err != nil {
		return nil, r.fail(err)
	}
	if len(prepared.Cookies) > 0 {
		if err := driver.SetCookies(ctx, prepared.Cookies); err != nil {
			return nil, r.fail(err)
		}
		if err := driver.Navigate(ctx, prepared.URL); err != nil {
			return nil, r.fail(err)
		}
	}

	if err := r.enter(ctx, StepChallengeCheck); err != nil {
		return nil, r.fail(err)
	}
	state, err := r.waitLoaded(ctx, driver)
	if err != nil {
		return nil, r.fail(err)
	}
	r.debugShot(ctx, driver, "challenge_check", nil, nil)

	res := &Response{}
	if state == StateNoChallenge {
		r.log.Info().Msg(MessageNoChallenge)
		res.Message = MessageNoChallenge
	} else {
		if err := r.enter(ctx, StepChallengeLoop); err != nil {
			return nil, r.fail(err)
		}
		r.log.Info().Msg("Challenge detected, solving it")
		if err := r.challengeLoop(ctx, driver); err != nil {
			return nil, r.fail(err)
		}
		res.Message = MessageSolved
		r.debugShot(ctx, driver, "solved", nil, nil)
	}

	if err := r.enter(ctx, StepHarvest); err != nil {
		return nil, r.fail(err)
	}
	if res.URL, err = driver.CurrentURL(ctx); err != nil {
		return nil, r.fail(err)
	}
	if res.Cookies, err = driver.Cookies(ctx); err != nil {
		return nil, r.fail(err)
	}
	if res.UserAgent, err = s.userAgents.Get(ctx, sessionOpts, driver.UserAgent); err != nil {
		return nil, r.fail(err)
	}

	if err := r.enter(ctx, StepCommandProcess); err != nil {
		return nil, r.fail(err)
	}
	res, err = processor.Process(ctx, res, r.req, driver)
	if err != nil {
		return nil, r.fail(err)
	}
	return res, nil
}

// waitLoaded detects the page state, waiting while the page is not loaded.
func (r *solveRun) waitLoaded(ctx context.Context, driver BrowserDriver) (ChallengeState, error) {
	for {
		det, err := r.s.detector.Detect(ctx, driver)
		if err != nil {
			return det.State, err
		}
		if det.State != StateNotLoaded {
			if det.State == StateChallengePresent {
				r.log.Info().Str("signal", det.Signal).Msg("Challenge found")
			}
			return det.State, nil
		}
		if err := sleepContext(ctx, r.s.pollInterval); err != nil {
			return det.State, err
		}
	}
}

// challengeLoop runs until the challenge page is gone. It has no attempt
// limit; the request timeout bounds it.
func (r *solveRun) challengeLoop(ctx context.Context, driver BrowserDriver) error {
	for attempt := 0; ; attempt++ {
		r.log.Debug().Int("attempt", attempt).Msg("Challenge step")
		r.debugShot(ctx, driver, "attempt", nil, nil)

		det, err := r.s.detector.Detect(ctx, driver)
		if err != nil {
			return err
		}
		if det.State == StateNoChallenge {
			r.log.Info().Int("attempt", attempt).Msg("Challenge disappeared")
			return nil
		}

		if det.State == StateChallengePresent {
			done, err := r.tryClick(ctx, driver)
			if err != nil || done {
				return err
			}
		}

		if err := sleepContext(ctx, r.s.pollInterval); err != nil {
			return err
		}
	}
}

// tryClick clicks the checkbox if one is visible. done reports that the
// challenge went away meanwhile.
func (r *solveRun) tryClick(ctx context.Context, driver BrowserDriver) (done bool, err error) {
	shot, err := driver.Screenshot(ctx)
	if err != nil {
		return false, err
	}
	point, ok := r.s.locator.Locate(shot)
	if !ok {
		return false, nil
	}
	r.log.Info().Int("x", point.X).Int("y", point.Y).Msg("Verify checkbox found")
	r.debugShot(ctx, driver, "to_verify_click", shot, &point)

	// A redirect may have happened while the screenshot was analysed.
	det, err := r.s.detector.Detect(ctx, driver)
	if err != nil {
		return false, err
	}
	switch det.State {
	case StateNoChallenge:
		r.log.Info().Msg("Challenge disappeared before click")
		return true, nil
	case StateNotLoaded:
		return false, nil
	}

	if err := driver.Click(ctx, point); err != nil {
		return false, err
	}
	r.s.metrics.Clicked()
	if err := sleepContext(ctx, r.s.clickPause); err != nil {
		return false, err
	}
	r.debugShot(ctx, driver, "after_verify_click", nil, nil)
	return false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
