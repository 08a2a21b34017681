package flarebypass

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/cloudflyer-project/flarebypass/internal/metrics"
)

const (
	LocalPortPlaceholder   = "{{LOCAL_PORT}}"
	UpstreamURLPlaceholder = "{{UPSTREAM_URL}}"

	defaultStartPort    = 12000
	defaultEndPort      = 13000
	defaultReadySignal  = "Listening on"
	defaultReadyTimeout = 10 * time.Second
	defaultLocalScheme  = "http"
	stopTimeout         = 5 * time.Second
)

// ProxyControllerOption configures a ProxyController.
type ProxyControllerOption func(*ProxyController)

// WithPortRange sets the local port range [start, end) for forwarders.
func WithPortRange(start, end int) ProxyControllerOption {
	return func(c *ProxyController) {
		c.startPort = start
		c.endPort = end
	}
}

// WithForwarderCommand sets the command template used to spawn a forwarder.
// It may reference {{LOCAL_PORT}} and {{UPSTREAM_URL}}.
func WithForwarderCommand(command string) ProxyControllerOption {
	return func(c *ProxyController) {
		c.command = command
	}
}

// WithReadySignal sets the output substring that tells a forwarder is ready.
func WithReadySignal(signal string) ProxyControllerOption {
	return func(c *ProxyController) {
		c.readySignal = signal
	}
}

// WithReadyTimeout bounds the wait for the ready signal.
func WithReadyTimeout(timeout time.Duration) ProxyControllerOption {
	return func(c *ProxyController) {
		c.readyTimeout = timeout
	}
}

// WithLocalScheme sets the scheme of lease addresses handed to the browser.
func WithLocalScheme(scheme string) ProxyControllerOption {
	return func(c *ProxyController) {
		c.localScheme = scheme
	}
}

// WithProxyLogger sets the logger.
func WithProxyLogger(logger zerolog.Logger) ProxyControllerOption {
	return func(c *ProxyController) {
		c.logger = logger
	}
}

// WithProxyMetrics reports the number of running forwarders to m.
func WithProxyMetrics(m *metrics.Metrics) ProxyControllerOption {
	return func(c *ProxyController) {
		c.metrics = m
	}
}

// ProxyController runs one local forwarder per upstream proxy URL and shares
// it between all concurrent users of that URL.
type ProxyController struct {
	startPort    int
	endPort      int
	command      string
	readySignal  string
	readyTimeout time.Duration
	localScheme  string
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	mu        sync.Mutex
	entries   map[string]*forwarder
	usedPorts map[int]bool
}

type forwarder struct {
	upstream string
	port     int
	refs     int

	// ready is closed once spawning finished; err is valid afterwards.
	ready chan struct{}
	err   error

	cmd    *exec.Cmd
	exited chan struct{}
}

// NewProxyController creates a controller.
func NewProxyController(opts ...ProxyControllerOption) *ProxyController {
	c := &ProxyController{
		startPort:    defaultStartPort,
		endPort:      defaultEndPort,
		readySignal:  defaultReadySignal,
		readyTimeout: defaultReadyTimeout,
		localScheme:  defaultLocalScheme,
		logger:       zerolog.Nop(),
		entries:      make(map[string]*forwarder),
		usedPorts:    make(map[int]bool),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SelfForwarderCommand returns a command template that runs the forward
// subcommand of the current executable.
func SelfForwarderCommand() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s forward --port %s --upstream %s",
		shellQuote(exe), LocalPortPlaceholder, UpstreamURLPlaceholder), nil
}

func shellQuote(s string) string {
	if !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ProxyLease is a reference to a running forwarder. Release must be called
// once the lease is no longer used.
type ProxyLease struct {
	controller *ProxyController
	fwd        *forwarder
	once       sync.Once
}

// LocalPort returns the port the forwarder listens on.
func (l *ProxyLease) LocalPort() int {
	return l.fwd.port
}

// LocalAddress returns the proxy URL to hand to the browser.
func (l *ProxyLease) LocalAddress() string {
	return fmt.Sprintf("%s://127.0.0.1:%d", l.controller.localScheme, l.fwd.port)
}

// Upstream returns the upstream proxy URL.
func (l *ProxyLease) Upstream() string {
	return l.fwd.upstream
}

// IsAlive reports whether the forwarder process is still running.
func (l *ProxyLease) IsAlive() bool {
	if l.fwd.cmd == nil {
		return false
	}
	select {
	case <-l.fwd.exited:
		return false
	default:
		return true
	}
}

// Release drops the reference. The last release stops the forwarder.
// Calling Release more than once has no further effect.
func (l *ProxyLease) Release() {
	l.once.Do(func() {
		l.controller.release(l.fwd)
	})
}

// ActiveCount returns the number of running (or starting) forwarders.
func (c *ProxyController) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lease returns a lease on the forwarder for upstream, starting it if needed.
// The forwarder is started independently of ctx; when ctx ends first only
// this caller gives up, other leasers keep waiting for it.
func (c *ProxyController) Lease(ctx context.Context, upstream string) (*ProxyLease, error) {
	c.mu.Lock()
	f, ok := c.entries[upstream]
	if ok {
		f.refs++
	} else {
		port, err := c.allocatePort()
		if err != nil {
			c.mu.Unlock()
			return nil, NewProxyError("failed to allocate local port", err)
		}
		f = &forwarder{
			upstream: upstream,
			port:     port,
			refs:     1,
			ready:    make(chan struct{}),
			exited:   make(chan struct{}),
		}
		c.entries[upstream] = f
	}
	active := len(c.entries)
	c.mu.Unlock()

	if !ok {
		c.metrics.SetForwarders(active)
		// Bounded by readyTimeout, not by ctx.
		go c.start(f)
	}

	select {
	case <-f.ready:
	case <-ctx.Done():
		c.release(f)
		return nil, NewProxyError("waiting for forwarder", ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ProxyLease{controller: c, fwd: f}, nil
}

// start spawns f and publishes the outcome through f.ready.
func (c *ProxyController) start(f *forwarder) {
	err := c.spawn(f)

	c.mu.Lock()
	if err != nil {
		if c.entries[f.upstream] == f {
			delete(c.entries, f.upstream)
		}
		delete(c.usedPorts, f.port)
		f.err = err
	}
	close(f.ready)
	active := len(c.entries)
	c.mu.Unlock()

	if err != nil {
		c.metrics.SetForwarders(active)
		c.logger.Warn().Err(err).Str("upstream", RedactProxy(f.upstream)).Int("port", f.port).Msg("Forwarder failed to start")
		return
	}
	c.logger.Info().Str("upstream", RedactProxy(f.upstream)).Int("port", f.port).Msg("Forwarder started")
}

// allocatePort must be called with mu held.
func (c *ProxyController) allocatePort() (int, error) {
	for port := c.startPort; port < c.endPort; port++ {
		if c.usedPorts[port] || !portAvailable(port) {
			continue
		}
		c.usedPorts[port] = true
		return port, nil
	}
	return 0, ErrPortRangeExhausted
}

func portAvailable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func (c *ProxyController) commandArgs(port int, upstream string) ([]string, error) {
	if strings.TrimSpace(c.command) == "" {
		return nil, fmt.Errorf("no forwarder command configured")
	}
	args, err := shlex.Split(c.command)
	if err != nil {
		return nil, fmt.Errorf("invalid forwarder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty forwarder command")
	}
	for i, arg := range args {
		arg = strings.ReplaceAll(arg, LocalPortPlaceholder, strconv.Itoa(port))
		args[i] = strings.ReplaceAll(arg, UpstreamURLPlaceholder, upstream)
	}
	return args, nil
}

func (c *ProxyController) spawn(f *forwarder) error {
	args, err := c.commandArgs(f.port, f.upstream)
	if err != nil {
		return NewProxyError("failed to build forwarder command", err)
	}

	// The process outlives the request that started it.
	cmd := exec.Command(args[0], args[1:]...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	// Children that inherited the output pipe must not keep Wait blocked.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return NewProxyError("failed to start forwarder", err)
	}
	f.cmd = cmd

	go func() {
		err := cmd.Wait()
		pw.Close()
		c.logger.Debug().Int("port", f.port).AnErr("exit", err).Msg("Forwarder exited")
		close(f.exited)
	}()

	signalled := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		seen := false
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := scanner.Text()
			c.logger.Debug().Int("port", f.port).Str("line", line).Msg("Forwarder output")
			if !seen && strings.Contains(line, c.readySignal) {
				seen = true
				close(signalled)
			}
		}
		// Keep the pipe flowing after an oversized line.
		io.Copy(io.Discard, pr)
	}()

	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()

	select {
	case <-signalled:
		return nil
	case <-drained:
		select {
		case <-signalled:
			return nil
		default:
		}
		return NewProxyError("forwarder exited before becoming ready", nil)
	case <-timer.C:
		c.stop(f)
		return NewProxyError(fmt.Sprintf("forwarder not ready after %s", c.readyTimeout), nil)
	}
}

func (c *ProxyController) release(f *forwarder) {
	c.mu.Lock()
	f.refs--
	last := f.refs <= 0 && c.entries[f.upstream] == f
	if last {
		delete(c.entries, f.upstream)
	}
	active := len(c.entries)
	c.mu.Unlock()

	if !last {
		return
	}
	c.metrics.SetForwarders(active)

	select {
	case <-f.ready:
		c.shutdown(f)
	default:
		// Still starting; stop it once the start settles.
		go func() {
			<-f.ready
			c.shutdown(f)
		}()
	}
}

// shutdown stops a forwarder that is no longer in entries. f.ready must be
// closed.
func (c *ProxyController) shutdown(f *forwarder) {
	if f.err != nil {
		// start already freed the port.
		return
	}
	c.stop(f)

	// The port is reusable only once the process is gone.
	c.mu.Lock()
	delete(c.usedPorts, f.port)
	c.mu.Unlock()

	c.logger.Info().Str("upstream", RedactProxy(f.upstream)).Int("port", f.port).Msg("Forwarder stopped")
}

func (c *ProxyController) stop(f *forwarder) {
	if f.cmd == nil || f.cmd.Process == nil {
		return
	}
	select {
	case <-f.exited:
		return
	default:
	}
	if err := f.cmd.Process.Kill(); err != nil {
		c.logger.Warn().Err(err).Int("port", f.port).Msg("Failed to kill forwarder")
	}
	select {
	case <-f.exited:
	case <-time.After(stopTimeout):
		c.logger.Warn().Int("port", f.port).Msg("Forwarder did not exit after kill")
	}
}

// Close stops every forwarder, including ones that still have leases.
// Releasing such a lease afterwards is a no-op.
func (c *ProxyController) Close() {
	c.mu.Lock()
	entries := make([]*forwarder, 0, len(c.entries))
	for upstream, f := range c.entries {
		entries = append(entries, f)
		delete(c.entries, upstream)
	}
	c.mu.Unlock()

	for _, f := range entries {
		<-f.ready
		c.shutdown(f)
	}
	c.metrics.SetForwarders(0)
}
