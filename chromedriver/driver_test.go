package chromedriver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflyer-project/flarebypass"
)

// ===== Flags =====

func TestBrowserFlags(t *testing.T) {
	f := NewFactory(WithWindowSize(800, 600))

	flags := f.browserFlags(flarebypass.SessionOptions{
		Proxy:      "http://127.0.0.1:12000",
		DisableGPU: true,
		Headless:   true,
	}, "/tmp/profile")

	assert.Equal(t, true, flags["headless"])
	assert.Equal(t, true, flags["disable-gpu"])
	assert.Equal(t, "http://127.0.0.1:12000", flags["proxy-server"])
	assert.Equal(t, "/tmp/profile", flags["user-data-dir"])
	assert.Equal(t, "800,600", flags["window-size"])
	assert.Contains(t, flags["disable-features"], "PrivacySandboxSettings4")
}

func TestBrowserFlagsHeadful(t *testing.T) {
	f := NewFactory()

	flags := f.browserFlags(flarebypass.SessionOptions{}, "/tmp/profile")

	assert.Equal(t, false, flags["headless"])
	assert.Equal(t, false, flags["disable-gpu"])
	assert.NotContains(t, flags, "proxy-server")
}

// ===== Cookies =====

func TestCookieConversion(t *testing.T) {
	param := toCookieParam(flarebypass.Cookie{
		Name:     "cf_clearance",
		Value:    "abc",
		Domain:   ".example.com",
		Expires:  1700000000.5,
		HTTPOnly: true,
		Secure:   true,
		SameSite: "None",
	}, "")

	assert.Equal(t, "cf_clearance", param.Name)
	assert.Equal(t, ".example.com", param.Domain)
	assert.Equal(t, "/", param.Path)
	assert.Empty(t, param.URL)
	assert.Equal(t, network.CookieSameSiteNone, param.SameSite)
	require.NotNil(t, param.Expires)
	assert.Equal(t, int64(1700000000), param.Expires.Time().Unix())

	back := fromNetworkCookie(&network.Cookie{
		Name:     "cf_clearance",
		Value:    "abc",
		Domain:   ".example.com",
		Path:     "/",
		Expires:  1700000000,
		HTTPOnly: true,
		SameSite: network.CookieSameSiteLax,
	})
	assert.Equal(t, flarebypass.Cookie{
		Name:     "cf_clearance",
		Value:    "abc",
		Domain:   ".example.com",
		Path:     "/",
		Expires:  1700000000,
		HTTPOnly: true,
		SameSite: "Lax",
	}, back)
}

func TestCookieWithoutDomainUsesPageURL(t *testing.T) {
	param := toCookieParam(flarebypass.Cookie{Name: "a", Value: "b"}, "https://example.com/page")

	assert.Equal(t, "https://example.com/page", param.URL)
	assert.Nil(t, param.Expires)
}

func TestSessionCookieHasNoExpiry(t *testing.T) {
	c := fromNetworkCookie(&network.Cookie{Name: "s", Value: "v", Expires: -1, Session: true})
	assert.Zero(t, c.Expires)
}

// ===== Errors =====

func TestClassify(t *testing.T) {
	err := classify("title", errors.New("Execution context was destroyed. (-32000)"))
	assert.ErrorIs(t, err, flarebypass.ErrStaleSession)

	err = classify("title", errors.New("net::ERR_PROXY_CONNECTION_FAILED"))
	assert.NotErrorIs(t, err, flarebypass.ErrStaleSession)
	assert.Contains(t, err.Error(), "title")
}

func TestDisplayName(t *testing.T) {
	d := NewDisplay(99, "", zerolog.Nop())
	assert.Equal(t, ":99", d.Name())
	assert.NoError(t, d.Stop())
}

// ===== Integration =====

func chromePath(t *testing.T) string {
	if p := os.Getenv("FLAREBYPASS_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("Skipping integration test: no Chrome binary found")
	return ""
}

func TestIntegration_Session(t *testing.T) {
	execPath := chromePath(t)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "visited", Value: "1", Path: "/"})
		fmt.Fprint(w, `<html><head><title>Hello</title></head><body><div class="box">x</div></body></html>`)
	}))
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	f := NewFactory(WithExecPath(execPath), WithTempDir(t.TempDir()))
	d, err := f.Create(ctx, flarebypass.SessionOptions{Headless: true})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Navigate(ctx, site.URL))

	title, ok, err := d.Title(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Hello", title)

	n, err := d.SelectCount(ctx, "div.box")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, d.SetCookies(ctx, []flarebypass.Cookie{{Name: "extra", Value: "y"}}))
	cookies, err := d.Cookies(ctx)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, c := range cookies {
		names[c.Name] = true
	}
	assert.True(t, names["visited"])
	assert.True(t, names["extra"])

	img, err := d.Screenshot(ctx)
	require.NoError(t, err)
	assert.False(t, img.Bounds().Empty())

	ua, err := d.UserAgent(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, ua)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}
