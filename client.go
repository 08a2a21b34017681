package flarebypass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Noooste/azuretls-client"
	"github.com/cloudflyer-project/masktunnel"
	"github.com/rs/zerolog"
)

const defaultClientUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// challengeTitles match the <title> of pages served instead of the site.
var challengeTitles = []*regexp.Regexp{
	regexp.MustCompile(`<\s*title\s*>[^><]*Just a moment\.\.\.[^><]*<\s*/\s*title\s*>`),
	regexp.MustCompile(`<\s*title\s*>[^><]*Attention Required\s*![^><]*<\s*/\s*title\s*>`),
	regexp.MustCompile(`<\s*title\s*>[^><]*Captcha Challenge[^><]*<\s*/\s*title\s*>`),
	regexp.MustCompile(`<\s*title\s*>[^><]*DDoS-Guard[^><]*<\s*/\s*title\s*>`),
}

// Client is an HTTP client that solves challenges transparently through a
// solver server. Requests go out with a TLS fingerprint matching the user
// agent; when a challenge page comes back the server is asked for cookies
// and the request is repeated with them.
type Client struct {
	solverURL    string
	solve        bool
	proxy        string
	timeout      time.Duration
	solveTimeout time.Duration
	userAgent    string
	maxTries     int
	useCache     bool
	logger       zerolog.Logger

	session   *azuretls.Session
	apiClient *http.Client
	sessionMu sync.Mutex

	// stateMu guards cookies and userAgent.
	cookies map[string]map[string]string
	stateMu sync.RWMutex

	// Clearance cache: map[cacheKey]ClearanceData
	clearanceCache   map[string]*ClearanceData
	clearanceCacheMu sync.RWMutex
}

// ClearanceData stores cached clearance information for a host.
type ClearanceData struct {
	Cookies   map[string]string
	UserAgent string
}

// ChallengeResult contains the result of solving a challenge.
type ChallengeResult struct {
	Cookies   map[string]string
	UserAgent string
}

// NewClient creates a Client that asks the solver server at solverURL.
func NewClient(solverURL string, opts ...ClientOption) *Client {
	c := &Client{
		solverURL:      solverURL,
		solve:          true,
		timeout:        30 * time.Second,
		solveTimeout:   DefaultMaxTimeout,
		userAgent:      defaultClientUserAgent,
		maxTries:       2,
		useCache:       true,
		logger:         zerolog.Nop(),
		cookies:        make(map[string]map[string]string),
		clearanceCache: make(map[string]*ClearanceData),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Trim trailing slash from solver URL
	c.solverURL = strings.TrimSuffix(c.solverURL, "/")
	c.proxy = normalizeProxyString(c.proxy)
	if c.maxTries < 1 {
		c.maxTries = 1
	}

	// The server may take the whole solve timeout before answering.
	c.apiClient = &http.Client{Timeout: c.solveTimeout + time.Second}

	return c
}

// UserAgent returns the user agent requests are currently sent with.
func (c *Client) UserAgent() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.userAgent
}

// getSession returns the azuretls session, creating one if needed.
func (c *Client) getSession() (*azuretls.Session, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.session != nil {
		return c.session, nil
	}

	return c.createSession()
}

// resetSession drops the current session so that the next request picks up
// a fingerprint for the current user agent.
func (c *Client) resetSession() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

// createSession creates a new azuretls session with proper TLS fingerprint.
// Must be called with sessionMu held.
func (c *Client) createSession() (*azuretls.Session, error) {
	session := azuretls.NewSession()
	ua := c.UserAgent()

	browserFp, err := masktunnel.GetBrowserFingerprint(ua)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to parse User-Agent, using default Chrome")
		browserFp = &masktunnel.BrowserFingerprint{
			Browser:          "Chrome",
			HTTP2Fingerprint: "1:65536,2:0,4:6291456,6:262144|15663105|0|m,a,s,p",
			TLSProfile:       "133",
		}
	}

	c.logger.Debug().Str("browser", browserFp.Browser).Str("tls_profile", browserFp.TLSProfile).Msg("Creating session")

	configureTLSFingerprint(session, browserFp.Browser)

	if err := session.ApplyHTTP2(browserFp.HTTP2Fingerprint); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to configure HTTP/2 fingerprint: %w", err)
	}

	session.UserAgent = ua

	if c.proxy != "" {
		if err := session.SetProxy(c.proxy); err != nil {
			session.Close()
			return nil, NewProxyError("failed to set proxy", err)
		}
	}

	session.InsecureSkipVerify = true

	c.session = session
	return session, nil
}

// configureTLSFingerprint configures TLS fingerprint for the session.
func configureTLSFingerprint(session *azuretls.Session, browser string) {
	switch browser {
	case "Firefox":
		session.Browser = azuretls.Firefox
		session.GetClientHelloSpec = azuretls.GetLastFirefoxVersion
	case "Safari":
		session.Browser = azuretls.Safari
		session.GetClientHelloSpec = azuretls.GetLastSafariVersion
	case "Edge":
		session.Browser = azuretls.Edge
		session.GetClientHelloSpec = azuretls.GetLastChromeVersion
	case "iOS":
		session.Browser = azuretls.Ios
		session.GetClientHelloSpec = azuretls.GetLastIosVersion
	default:
		session.Browser = azuretls.Chrome
		session.GetClientHelloSpec = azuretls.GetLastChromeVersion
	}
}

// isChallengePage reports whether a response is a challenge page rather than
// the site's own answer. A 403 without a challenge title is passed through.
func isChallengePage(statusCode int, body []byte) bool {
	if statusCode != http.StatusForbidden || len(body) == 0 {
		return false
	}
	for _, re := range challengeTitles {
		if re.Match(body) {
			return true
		}
	}
	return false
}

// cookiesFor returns the stored cookies for the host of targetURL.
func (c *Client) cookiesFor(targetURL string) map[string]string {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil
	}

	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	stored := c.cookies[u.Hostname()]
	out := make(map[string]string, len(stored))
	for k, v := range stored {
		out[k] = v
	}
	return out
}

func (c *Client) storeCookies(targetURL string, cookies map[string]string) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return
	}
	domain := u.Hostname()

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.cookies[domain] == nil {
		c.cookies[domain] = make(map[string]string)
	}
	for k, v := range cookies {
		c.cookies[domain][k] = v
	}
}

// Solve asks the solver server for clearance on websiteURL and adopts the
// returned cookies and user agent. It does not request websiteURL itself.
func (c *Client) Solve(ctx context.Context, websiteURL string) (*ChallengeResult, error) {
	return c.solveChallenge(ctx, websiteURL, websiteURL, c.useCache)
}

// solveChallenge solves the challenge of solveURL on behalf of targetURL.
func (c *Client) solveChallenge(ctx context.Context, targetURL, solveURL string, useCache bool) (*ChallengeResult, error) {
	c.logger.Info().Str("url", solveURL).Msg("Starting challenge solve")

	domain := ""
	if u, err := url.Parse(targetURL); err == nil {
		domain = u.Hostname()
	}
	var sendCookies []Cookie
	for name, value := range c.cookiesFor(targetURL) {
		sendCookies = append(sendCookies, Cookie{Name: name, Value: value, Domain: domain, Path: "/"})
	}

	reqBody := APIRequest{
		URL:        solveURL,
		Cookies:    sendCookies,
		MaxTimeout: float64(c.solveTimeout / time.Millisecond),
		Proxy:      c.proxy,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, NewConnectionError("failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.solverURL+"/"+DefaultCommand, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, NewConnectionError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.apiClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError("context cancelled")
		}
		return nil, NewConnectionError("failed to send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewConnectionError("failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewAPIError("solver is unavailable", resp.StatusCode)
	}

	var apiResp APIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, NewConnectionError("failed to parse response", err)
	}

	if apiResp.Solution == nil {
		return nil, NewChallengeError(fmt.Sprintf("no solution in response for '%s': %s", solveURL, apiResp.Message))
	}

	result := &ChallengeResult{
		Cookies:   make(map[string]string, len(apiResp.Solution.Cookies)),
		UserAgent: apiResp.Solution.UserAgent,
	}
	for _, ck := range apiResp.Solution.Cookies {
		result.Cookies[ck.Name] = ck.Value
	}
	c.adopt(targetURL, result, useCache)

	c.logger.Info().Str("url", solveURL).Int("cookies", len(result.Cookies)).Msg("Challenge solved successfully")
	return result, nil
}

// adopt applies a solution to the client state.
func (c *Client) adopt(targetURL string, result *ChallengeResult, useCache bool) {
	c.storeCookies(targetURL, result.Cookies)

	if result.UserAgent != "" {
		c.stateMu.Lock()
		changed := c.userAgent != result.UserAgent
		c.userAgent = result.UserAgent
		c.stateMu.Unlock()
		if changed {
			// The TLS fingerprint has to follow the new user agent.
			c.resetSession()
		}
	}

	if useCache && (len(result.Cookies) > 0 || result.UserAgent != "") {
		c.saveToClearanceCache(targetURL, result.Cookies, result.UserAgent)
	}
}

// getCacheKey generates a cache key from URL host and proxy.
func (c *Client) getCacheKey(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	proxyKey := c.proxy
	if proxyKey == "" {
		proxyKey = "direct"
	}
	return fmt.Sprintf("%s|%s", host, proxyKey)
}

// loadFromClearanceCache applies cached clearance data for targetURL.
// Returns true if cache was loaded successfully.
func (c *Client) loadFromClearanceCache(targetURL string) bool {
	cacheKey := c.getCacheKey(targetURL)
	if cacheKey == "" {
		return false
	}

	c.clearanceCacheMu.RLock()
	cached, ok := c.clearanceCache[cacheKey]
	c.clearanceCacheMu.RUnlock()

	if !ok || cached == nil {
		return false
	}

	c.logger.Debug().Str("key", cacheKey).Msg("Loading clearance from cache")
	c.adopt(targetURL, &ChallengeResult{Cookies: cached.Cookies, UserAgent: cached.UserAgent}, false)
	return true
}

// saveToClearanceCache saves clearance data to cache.
func (c *Client) saveToClearanceCache(targetURL string, cookies map[string]string, userAgent string) {
	cacheKey := c.getCacheKey(targetURL)
	if cacheKey == "" {
		return
	}

	copied := make(map[string]string, len(cookies))
	for k, v := range cookies {
		copied[k] = v
	}

	c.clearanceCacheMu.Lock()
	c.clearanceCache[cacheKey] = &ClearanceData{
		Cookies:   copied,
		UserAgent: userAgent,
	}
	c.clearanceCacheMu.Unlock()

	c.logger.Debug().Str("key", cacheKey).Msg("Saved clearance to cache")
}

// ClearCache clears the clearance cache.
// If host is provided, only clears cache for that host. Otherwise clears all.
func (c *Client) ClearCache(host string) {
	c.clearanceCacheMu.Lock()
	defer c.clearanceCacheMu.Unlock()

	if host == "" {
		c.clearanceCache = make(map[string]*ClearanceData)
		return
	}

	for key := range c.clearanceCache {
		if strings.HasPrefix(key, host+"|") {
			delete(c.clearanceCache, key)
		}
	}
}

// doRequest performs an HTTP request using azuretls session.
func (c *Client) doRequest(ctx context.Context, method, targetURL string, body []byte, headers map[string]string) (*azuretls.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTimeoutError("context cancelled")
	}

	session, err := c.getSession()
	if err != nil {
		return nil, NewConnectionError("failed to get session", err)
	}

	orderedHeaders := azuretls.OrderedHeaders{
		{"User-Agent", c.UserAgent()},
		// A cached challenge page would be returned again otherwise.
		{"Cache-Control", "no-cache"},
	}

	if stored := c.cookiesFor(targetURL); len(stored) > 0 {
		var cookieParts []string
		for k, v := range stored {
			cookieParts = append(cookieParts, fmt.Sprintf("%s=%s", k, v))
		}
		orderedHeaders = append(orderedHeaders, []string{"Cookie", strings.Join(cookieParts, "; ")})
	}

	for k, v := range headers {
		orderedHeaders = append(orderedHeaders, []string{k, v})
	}

	req := &azuretls.Request{
		Method:           method,
		Url:              targetURL,
		OrderedHeaders:   orderedHeaders,
		DisableRedirects: false,
		TimeOut:          c.timeout,
	}

	if body != nil {
		req.Body = bytes.NewReader(body)
	}

	resp, err := session.Do(req)
	if err != nil {
		return nil, NewConnectionError("request failed", err)
	}
	return resp, nil
}

// Get sends a GET request.
func (c *Client) Get(targetURL string) (*http.Response, error) {
	return c.GetContext(context.Background(), targetURL)
}

// GetContext sends a GET request with context.
func (c *Client) GetContext(ctx context.Context, targetURL string) (*http.Response, error) {
	return c.request(ctx, http.MethodGet, targetURL, nil, nil, nil)
}

// GetWithHeaders sends a GET request with custom headers.
func (c *Client) GetWithHeaders(targetURL string, headers map[string]string) (*http.Response, error) {
	return c.GetWithHeadersContext(context.Background(), targetURL, headers)
}

// GetWithHeadersContext sends a GET request with context and custom headers.
func (c *Client) GetWithHeadersContext(ctx context.Context, targetURL string, headers map[string]string) (*http.Response, error) {
	return c.request(ctx, http.MethodGet, targetURL, nil, headers, nil)
}

// Post sends a POST request.
func (c *Client) Post(targetURL, contentType string, body io.Reader) (*http.Response, error) {
	return c.PostContext(context.Background(), targetURL, contentType, body)
}

// PostContext sends a POST request with context.
func (c *Client) PostContext(ctx context.Context, targetURL, contentType string, body io.Reader) (*http.Response, error) {
	return c.withBody(ctx, http.MethodPost, targetURL, contentType, body)
}

// PostJSON sends a POST request with JSON body.
func (c *Client) PostJSON(targetURL string, data any) (*http.Response, error) {
	return c.PostJSONContext(context.Background(), targetURL, data)
}

// PostJSONContext sends a POST request with context and JSON body.
func (c *Client) PostJSONContext(ctx context.Context, targetURL string, data any) (*http.Response, error) {
	jsonBody, err := json.Marshal(data)
	if err != nil {
		return nil, NewConnectionError("failed to marshal JSON", err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	return c.request(ctx, http.MethodPost, targetURL, jsonBody, headers, nil)
}

// PostForm sends a POST request with form data.
func (c *Client) PostForm(targetURL string, data url.Values) (*http.Response, error) {
	return c.PostFormContext(context.Background(), targetURL, data)
}

// PostFormContext sends a POST request with context and form data.
func (c *Client) PostFormContext(ctx context.Context, targetURL string, data url.Values) (*http.Response, error) {
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	return c.request(ctx, http.MethodPost, targetURL, []byte(data.Encode()), headers, nil)
}

// Put sends a PUT request.
func (c *Client) Put(targetURL, contentType string, body io.Reader) (*http.Response, error) {
	return c.withBody(context.Background(), http.MethodPut, targetURL, contentType, body)
}

// Patch sends a PATCH request.
func (c *Client) Patch(targetURL, contentType string, body io.Reader) (*http.Response, error) {
	return c.withBody(context.Background(), http.MethodPatch, targetURL, contentType, body)
}

// Delete sends a DELETE request.
func (c *Client) Delete(targetURL string) (*http.Response, error) {
	return c.request(context.Background(), http.MethodDelete, targetURL, nil, nil, nil)
}

// Head sends a HEAD request.
func (c *Client) Head(targetURL string) (*http.Response, error) {
	return c.request(context.Background(), http.MethodHead, targetURL, nil, nil, nil)
}

func (c *Client) withBody(ctx context.Context, method, targetURL, contentType string, body io.Reader) (*http.Response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, NewConnectionError("failed to read request body", err)
		}
	}
	headers := map[string]string{"Content-Type": contentType}
	return c.request(ctx, method, targetURL, bodyBytes, headers, nil)
}

// RequestOptions contains per-request override options.
type RequestOptions struct {
	// Solve overrides the client-level solve setting for this request.
	// nil means use client default.
	Solve *bool
	// UseCache overrides the client-level use_cache setting for this request.
	// nil means use client default.
	UseCache *bool
	// SolveURL is sent to the solver instead of the request URL. Useful when
	// the request is a POST to an endpoint the browser should not open.
	SolveURL string
}

// RequestWithOptions sends an HTTP request with per-request option overrides.
func (c *Client) RequestWithOptions(ctx context.Context, method, targetURL string, body []byte, headers map[string]string, opts *RequestOptions) (*http.Response, error) {
	return c.request(ctx, method, targetURL, body, headers, opts)
}

// request sends the request, solving and retrying while a challenge page
// comes back, at most maxTries times.
func (c *Client) request(ctx context.Context, method, targetURL string, body []byte, headers map[string]string, opts *RequestOptions) (*http.Response, error) {
	solve := c.solve
	useCache := c.useCache
	solveURL := targetURL

	if opts != nil {
		if opts.Solve != nil {
			solve = *opts.Solve
		}
		if opts.UseCache != nil {
			useCache = *opts.UseCache
		}
		if opts.SolveURL != "" {
			solveURL = opts.SolveURL
		}
	}

	if useCache {
		c.loadFromClearanceCache(targetURL)
	}

	for try := 0; try < c.maxTries; try++ {
		resp, err := c.doRequest(ctx, method, targetURL, body, headers)
		if err != nil {
			return nil, err
		}

		if !solve || !isChallengePage(resp.StatusCode, resp.Body) {
			return convertResponse(resp), nil
		}

		c.logger.Info().Str("url", targetURL).Int("try", try).Msg("Challenge detected")
		if _, err := c.solveChallenge(ctx, targetURL, solveURL, useCache); err != nil {
			return nil, err
		}
	}

	return nil, NewChallengeError(fmt.Sprintf("can't solve challenge: challenge got %d times (max tries exceeded)", c.maxTries))
}

// convertResponse converts azuretls.Response to http.Response for API compatibility.
func convertResponse(resp *azuretls.Response) *http.Response {
	httpResp := &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		ProtoMinor:    0,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
	}

	for k, v := range resp.Header {
		httpResp.Header[k] = v
	}

	return httpResp
}

// Close releases the HTTP session.
func (c *Client) Close() error {
	c.sessionMu.Lock()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.sessionMu.Unlock()
	return nil
}
