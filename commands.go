package flarebypass

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/url"
	"strings"
)

// DefaultCommand is used when a request names no command.
const DefaultCommand = "get_cookies"

// CommandProcessor customizes a solve around the common challenge handling.
type CommandProcessor interface {
	// Preprocess may rewrite req (it is a private copy) before navigation.
	// Returning navigate=false skips the navigation step.
	Preprocess(ctx context.Context, req *Request, driver BrowserDriver) (prepared *Request, navigate bool, err error)
	// Process fills command specific content into res once the page passed.
	Process(ctx context.Context, res *Response, req *Request, driver BrowserDriver) (*Response, error)
}

// BaseCommand implements both hooks as no-ops. Embed it to override one.
type BaseCommand struct{}

func (BaseCommand) Preprocess(_ context.Context, req *Request, _ BrowserDriver) (*Request, bool, error) {
	return req, true, nil
}

func (BaseCommand) Process(_ context.Context, res *Response, _ *Request, _ BrowserDriver) (*Response, error) {
	return res, nil
}

// GetCookiesCommand returns only the cookies, URL and user agent.
type GetCookiesCommand struct {
	BaseCommand
}

// GetPageCommand also returns the page DOM.
type GetPageCommand struct {
	BaseCommand
}

func (GetPageCommand) Process(ctx context.Context, res *Response, _ *Request, driver BrowserDriver) (*Response, error) {
	dom, err := driver.DOM(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}
	res.Response = dom
	return res, nil
}

// PostCommand submits params["postData"] (urlencoded) to the request URL
// from inside the page and returns the resulting DOM.
type PostCommand struct {
	BaseCommand
}

type postField struct {
	Name  string
	Value string
}

var postFormTemplate = template.Must(template.New("post").Parse(`<!DOCTYPE html>
<html>
<body>
<form id="postForm" action="{{.Action}}" method="POST">
{{- range .Fields}}
<input type="text" name="{{.Name}}" value="{{.Value}}"><br>
{{- end}}
</form>
<script>document.getElementById('postForm').submit();</script>
</body>
</html>`))

func (PostCommand) Preprocess(_ context.Context, req *Request, _ BrowserDriver) (*Request, bool, error) {
	raw, ok := req.Params["postData"].(string)
	if !ok {
		return nil, false, NewValidationError("params.postData", "postData should be defined for POST")
	}

	var buf bytes.Buffer
	err := postFormTemplate.Execute(&buf, struct {
		Action string
		Fields []postField
	}{
		Action: req.URL,
		Fields: parsePostData(raw),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to render POST form: %w", err)
	}

	req.URL = "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	return req, true, nil
}

func (PostCommand) Process(ctx context.Context, res *Response, req *Request, driver BrowserDriver) (*Response, error) {
	return GetPageCommand{}.Process(ctx, res, req, driver)
}

func parsePostData(raw string) []postField {
	raw = strings.TrimPrefix(raw, "?")
	var fields []postField
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		name = queryUnescape(name)
		if name == "submit" {
			continue
		}
		fields = append(fields, postField{Name: name, Value: queryUnescape(value)})
	}
	return fields
}

func queryUnescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

// CommandFactory builds a processor for one solve.
type CommandFactory func() CommandProcessor

// CommandRegistry maps command names to processor factories, keeping
// registration order.
type CommandRegistry struct {
	names     []string
	factories map[string]CommandFactory
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{factories: make(map[string]CommandFactory)}
}

// DefaultCommands returns a registry with the built-in commands and their
// request.* aliases.
func DefaultCommands() *CommandRegistry {
	r := NewCommandRegistry()
	getCookies := func() CommandProcessor { return GetCookiesCommand{} }
	getPage := func() CommandProcessor { return GetPageCommand{} }
	post := func() CommandProcessor { return PostCommand{} }

	r.Register("get_cookies", getCookies)
	r.Register("request.get_cookies", getCookies)
	r.Register("get_page", getPage)
	r.Register("request.get", getPage)
	r.Register("make_post", post)
	r.Register("request.post", post)
	return r
}

// Register adds or replaces a command.
func (r *CommandRegistry) Register(name string, factory CommandFactory) *CommandRegistry {
	if _, exists := r.factories[name]; !exists {
		r.names = append(r.names, name)
	}
	r.factories[name] = factory
	return r
}

// Lookup returns a new processor for name.
func (r *CommandRegistry) Lookup(name string) (CommandProcessor, bool) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Names returns the registered command names in registration order.
func (r *CommandRegistry) Names() []string {
	return append([]string(nil), r.names...)
}

// Clone returns an independent copy.
func (r *CommandRegistry) Clone() *CommandRegistry {
	c := NewCommandRegistry()
	for _, name := range r.names {
		c.Register(name, r.factories[name])
	}
	return c
}
