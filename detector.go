package flarebypass

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ChallengeState classifies the page currently shown in a session.
type ChallengeState int

const (
	StateNotLoaded ChallengeState = iota
	StateNoChallenge
	StateChallengePresent
	StateBlocked
)

func (s ChallengeState) String() string {
	switch s {
	case StateNotLoaded:
		return "not loaded"
	case StateNoChallenge:
		return "no challenge"
	case StateChallengePresent:
		return "challenge present"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Detection is the result of one page classification.
// Signal is the title or selector that decided the state, if any.
type Detection struct {
	State  ChallengeState
	Signal string
}

// TitleRule matches a page title. Pattern, when set, takes precedence over
// an exact comparison with Keyword.
type TitleRule struct {
	Keyword       string
	Pattern       *regexp.Regexp
	CaseSensitive bool
}

// Match reports whether title satisfies the rule.
func (r TitleRule) Match(title string) bool {
	subject := title
	if !r.CaseSensitive {
		subject = normalizeText(title)
	}
	if r.Pattern != nil {
		return r.Pattern.MatchString(subject)
	}
	if r.CaseSensitive {
		return subject == r.Keyword
	}
	return subject == normalizeText(r.Keyword)
}

// Compared exactly, case included.
var defaultAccessDeniedTitles = []TitleRule{
	{Keyword: "Access denied", CaseSensitive: true},
	{Keyword: "Attention Required! | Cloudflare", CaseSensitive: true},
}

var defaultAccessDeniedSelectors = []string{
	"div.cf-error-title span.cf-code-label span",
	"#cf-error-details div.cf-error-overview h1",
}

var defaultChallengeTitles = []TitleRule{
	{Keyword: "Just a moment..."},
	{Keyword: "DDoS-Guard"},
}

var defaultChallengeSelectors = []string{
	"#cf-challenge-running",
	".ray_id",
	".attack-box",
	"#cf-please-wait",
	"#challenge-spinner",
	"#trk_jschal_js",
	"td.info #js_info",
	"div.vc div.text-box h2",
}

const rootSelector = "html"

// ChallengeDetector classifies pages from their title and selector counts.
type ChallengeDetector struct {
	accessDeniedTitles    []TitleRule
	accessDeniedSelectors []string
	challengeTitles       []TitleRule
	challengeSelectors    []string
}

// NewChallengeDetector creates a detector with the default lists extended
// by the given extra rules.
func NewChallengeDetector(extraBlockTitles, extraChallengeTitles []TitleRule, extraBlockSelectors, extraChallengeSelectors []string) *ChallengeDetector {
	d := &ChallengeDetector{
		accessDeniedTitles:    append([]TitleRule{}, defaultAccessDeniedTitles...),
		accessDeniedSelectors: append([]string{}, defaultAccessDeniedSelectors...),
		challengeTitles:       append([]TitleRule{}, defaultChallengeTitles...),
		challengeSelectors:    append([]string{}, defaultChallengeSelectors...),
	}
	d.accessDeniedTitles = append(d.accessDeniedTitles, extraBlockTitles...)
	d.challengeTitles = append(d.challengeTitles, extraChallengeTitles...)
	d.accessDeniedSelectors = append(d.accessDeniedSelectors, extraBlockSelectors...)
	d.challengeSelectors = append(d.challengeSelectors, extraChallengeSelectors...)
	return d
}

// Detect classifies the current page. A blocked page returns StateBlocked
// together with a *BlockedError.
func (d *ChallengeDetector) Detect(ctx context.Context, page PageInspector) (Detection, error) {
	title, ok, err := page.Title(ctx)
	if err != nil {
		return Detection{}, err
	}

	if !ok {
		n, err := page.SelectCount(ctx, rootSelector)
		if err != nil {
			return Detection{}, err
		}
		if n == 0 {
			return Detection{State: StateNotLoaded}, nil
		}
		// A document without a title is not a challenge signal by itself.
		return Detection{State: StateNoChallenge}, nil
	}

	for _, rule := range d.accessDeniedTitles {
		if rule.Match(title) {
			return Detection{State: StateBlocked, Signal: title}, NewBlockedError("title: " + title)
		}
	}

	found, selector, err := d.anySelector(ctx, page, d.accessDeniedSelectors)
	if err != nil {
		return Detection{}, err
	}
	if found {
		return Detection{State: StateBlocked, Signal: selector}, NewBlockedError("selector: " + selector)
	}

	for _, rule := range d.challengeTitles {
		if rule.Match(title) {
			return Detection{State: StateChallengePresent, Signal: title}, nil
		}
	}

	found, selector, err = d.anySelector(ctx, page, d.challengeSelectors)
	if err != nil {
		return Detection{}, err
	}
	if found {
		return Detection{State: StateChallengePresent, Signal: selector}, nil
	}

	return Detection{State: StateNoChallenge}, nil
}

func (d *ChallengeDetector) anySelector(ctx context.Context, page PageInspector, selectors []string) (bool, string, error) {
	for _, selector := range selectors {
		n, err := page.SelectCount(ctx, selector)
		if err != nil {
			return false, "", err
		}
		if n > 0 {
			return true, selector, nil
		}
	}
	return false, "", nil
}

// normalizeText folds compatibility variants (full-width forms, ellipsis
// characters) and case so that titles compare equal across encodings.
func normalizeText(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}
