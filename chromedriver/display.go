package chromedriver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Display is a virtual X server for browsers that must not run headless.
type Display struct {
	number int
	screen string
	logger zerolog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewDisplay describes an Xvfb server on display :number with the given
// screen geometry, e.g. "1920x1080x24".
func NewDisplay(number int, screen string, logger zerolog.Logger) *Display {
	if screen == "" {
		screen = "1920x1080x24"
	}
	return &Display{number: number, screen: screen, logger: logger}
}

// Name returns the DISPLAY value, e.g. ":99".
func (d *Display) Name() string {
	return fmt.Sprintf(":%d", d.number)
}

func (d *Display) socketPath() string {
	return fmt.Sprintf("/tmp/.X11-unix/X%d", d.number)
}

// Start launches Xvfb and waits until its socket appears.
func (d *Display) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return nil
	}

	cmd := exec.Command("Xvfb", d.Name(), "-screen", "0", d.screen, "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start Xvfb: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := os.Stat(d.socketPath()); err == nil {
			d.cmd = cmd
			d.logger.Info().Str("display", d.Name()).Msg("Virtual display started")
			return nil
		}
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("Xvfb %s: %w", d.Name(), err)
		case <-deadline:
			cmd.Process.Kill()
			return fmt.Errorf("Xvfb %s did not come up", d.Name())
		case <-tick.C:
		}
	}
}

// Stop terminates the X server.
func (d *Display) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	err := d.cmd.Process.Kill()
	d.cmd = nil
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
