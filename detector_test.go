package flarebypass

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name      string
		title     string
		noTitle   bool
		selectors map[string]int
		state     ChallengeState
		blocked   bool
	}{
		{name: "plain page", title: "Example Domain", state: StateNoChallenge},
		{name: "challenge title", title: "Just a moment...", state: StateChallengePresent},
		{name: "challenge title case folded", title: "  JUST A MOMENT...", state: StateChallengePresent},
		{name: "challenge title ellipsis", title: "Just a moment…", state: StateChallengePresent},
		{name: "ddos guard", title: "DDoS-Guard", state: StateChallengePresent},
		{name: "challenge selector", title: "Loading", selectors: map[string]int{"#cf-challenge-running": 1}, state: StateChallengePresent},
		{name: "ray id selector", title: "Loading", selectors: map[string]int{".ray_id": 2}, state: StateChallengePresent},
		{name: "access denied", title: "Access denied", state: StateBlocked, blocked: true},
		{name: "access denied other case", title: "access denied", state: StateNoChallenge},
		{name: "attention required", title: "Attention Required! | Cloudflare", state: StateBlocked, blocked: true},
		{name: "blocked selector", title: "Oops", selectors: map[string]int{"#cf-error-details div.cf-error-overview h1": 1}, state: StateBlocked, blocked: true},
		{name: "blocked wins over challenge", title: "Just a moment...", selectors: map[string]int{"div.cf-error-title span.cf-code-label span": 1}, state: StateBlocked, blocked: true},
		{name: "no title no document", noTitle: true, selectors: map[string]int{"html": 0}, state: StateNotLoaded},
		{name: "no title with document", noTitle: true, state: StateNoChallenge},
	}

	detector := NewChallengeDetector(nil, nil, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newFakeDriver(tt.title)
			page.noTitle = tt.noTitle
			for k, v := range tt.selectors {
				page.selectors[k] = v
			}

			det, err := detector.Detect(context.Background(), page)
			assert.Equal(t, tt.state, det.State, det.State.String())
			if tt.blocked {
				var blocked *BlockedError
				require.ErrorAs(t, err, &blocked)
				assert.NotEmpty(t, blocked.Signal)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDetectExtraRules(t *testing.T) {
	detector := NewChallengeDetector(
		[]TitleRule{{Keyword: "Banned", CaseSensitive: true}},
		[]TitleRule{{Pattern: regexp.MustCompile(`^checking your browser`)}},
		nil,
		[]string{"#my-challenge"},
	)
	ctx := context.Background()

	det, err := detector.Detect(ctx, newFakeDriver("Banned"))
	assert.Equal(t, StateBlocked, det.State)
	assert.EqualError(t, err, NewBlockedError("title: Banned").Error())

	det, err = detector.Detect(ctx, newFakeDriver("Checking your browser before accessing"))
	require.NoError(t, err)
	assert.Equal(t, StateChallengePresent, det.State)

	page := newFakeDriver("Loading")
	page.selectors["#my-challenge"] = 1
	det, err = detector.Detect(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, StateChallengePresent, det.State)
	assert.Equal(t, "#my-challenge", det.Signal)

	// Extra rules do not replace the defaults.
	det, err = detector.Detect(ctx, newFakeDriver("Just a moment..."))
	require.NoError(t, err)
	assert.Equal(t, StateChallengePresent, det.State)
}

type failingPage struct{}

func (failingPage) Title(context.Context) (string, bool, error) {
	return "", false, errors.New("target closed")
}

func (failingPage) SelectCount(context.Context, string) (int, error) {
	return 0, nil
}

func TestDetectError(t *testing.T) {
	_, err := NewChallengeDetector(nil, nil, nil, nil).Detect(context.Background(), failingPage{})
	assert.EqualError(t, err, "target closed")
}

func TestChallengeStateString(t *testing.T) {
	assert.Equal(t, "not loaded", StateNotLoaded.String())
	assert.Equal(t, "no challenge", StateNoChallenge.String())
	assert.Equal(t, "challenge present", StateChallengePresent.String())
	assert.Equal(t, "blocked", StateBlocked.String())
	assert.Equal(t, "unknown", ChallengeState(99).String())
}
