// Package geocode resolves company names to addresses and coordinates via the
// Google Places Text Search API.
package geocode

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Places Text Search endpoint.
const DefaultBaseURL = "https://maps.googleapis.com/maps/api/place/textsearch/json"

// Client looks up the location of a company.
type Client interface {
	// Lookup resolves a single query. A query with no match is not an error:
	// it returns a Result with Found=false.
	Lookup(ctx context.Context, q Query) (*Result, error)
}

// Query identifies the company to locate.
type Query struct {
	Name    string
	Address string // optional street hint, appended to the search text
}

// Result holds the lookup output.
type Result struct {
	Found   bool
	Name    string
	Address string
	Lat     float64
	Lon     float64
	PlaceID string
}

// Option configures the client.
type Option func(*places)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *places) {
		p.httpClient = hc
	}
}

// WithBaseURL overrides the Places endpoint.
func WithBaseURL(u string) Option {
	return func(p *places) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(p *places) {
		if rps <= 0 {
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRegion biases results toward a ccTLD region code (e.g. "pt").
func WithRegion(region string) Option {
	return func(p *places) {
		p.region = region
	}
}

// WithLanguage sets the language of returned addresses.
func WithLanguage(lang string) Option {
	return func(p *places) {
		p.language = lang
	}
}

// WithCountry sets the country name appended to every search text.
func WithCountry(country string) Option {
	return func(p *places) {
		p.country = country
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *places) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

type places struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	region     string
	language   string
	country    string
	limiter    *rate.Limiter
}

// NewClient creates a Places-backed Client with the given API key and options.
func NewClient(apiKey string, opts ...Option) Client {
	p := &places{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		region:     "pt",
		language:   "pt",
		country:    "Portugal",
		limiter:    rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}
