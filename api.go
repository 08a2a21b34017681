package flarebypass

import "time"

const (
	StatusOK    = "ok"
	StatusError = "error"

	// DefaultMaxTimeout is used when an API request does not set maxTimeout.
	DefaultMaxTimeout = 60 * time.Second
)

// APIRequest is the JSON body accepted by the solver server.
type APIRequest struct {
	URL     string   `json:"url"`
	Command string   `json:"cmd,omitempty"`
	Cookies []Cookie `json:"cookies,omitempty"`
	// MaxTimeout is in milliseconds.
	MaxTimeout float64        `json:"maxTimeout,omitempty"`
	Proxy      string         `json:"proxy,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	// PostData is a shortcut for params.postData.
	PostData string `json:"postData,omitempty"`
}

// ToRequest converts the wire form into a solver request.
func (r *APIRequest) ToRequest() *Request {
	timeout := DefaultMaxTimeout
	if r.MaxTimeout > 0 {
		timeout = time.Duration(r.MaxTimeout * float64(time.Millisecond))
	}

	var params map[string]any
	if len(r.Params) > 0 || r.PostData != "" {
		params = make(map[string]any, len(r.Params)+1)
		for k, v := range r.Params {
			params[k] = v
		}
		if r.PostData != "" {
			params["postData"] = r.PostData
		}
	}

	return &Request{
		URL:        r.URL,
		Command:    r.Command,
		Cookies:    r.Cookies,
		MaxTimeout: timeout,
		Proxy:      r.Proxy,
		Params:     params,
	}
}

// APISolution is the solved session state in an APIResponse.
type APISolution struct {
	Status    string   `json:"status"`
	URL       string   `json:"url"`
	Cookies   []Cookie `json:"cookies"`
	UserAgent string   `json:"userAgent,omitempty"`
	Response  any      `json:"response,omitempty"`
}

// APIResponse is the JSON body returned by the solver server. Timestamps are
// Unix seconds.
type APIResponse struct {
	Status         string       `json:"status"`
	Message        string       `json:"message"`
	StartTimestamp float64      `json:"startTimestamp"`
	EndTimestamp   float64      `json:"endTimestamp"`
	Solution       *APISolution `json:"solution,omitempty"`
}

// NewAPIResponse builds the response for a finished solve.
func NewAPIResponse(start, end time.Time, res *Response, err error) *APIResponse {
	out := &APIResponse{
		StartTimestamp: unixSeconds(start),
		EndTimestamp:   unixSeconds(end),
	}
	if err != nil {
		out.Status = StatusError
		out.Message = "Error: " + err.Error()
		return out
	}

	cookies := res.Cookies
	if cookies == nil {
		cookies = []Cookie{}
	}
	out.Status = StatusOK
	out.Message = res.Message
	out.Solution = &APISolution{
		Status:    StatusOK,
		URL:       res.URL,
		Cookies:   cookies,
		UserAgent: res.UserAgent,
		Response:  res.Response,
	}
	return out
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
