package upstream

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a CozeClient.
type Option func(*options)

type options struct {
	token      string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	headers    map[string]string
	logger     *slog.Logger
}

func defaultOptions() options {
	return options{
		baseURL: "https://api.coze.cn",
		timeout: 30 * time.Second,
		headers: map[string]string{},
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithHTTPClient replaces the HTTP client used for non-streaming calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithTimeout bounds each non-streaming call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}
