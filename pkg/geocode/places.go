package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/resilience"
)

// placesResponse is the JSON response from the Places Text Search API.
type placesResponse struct {
	Results      []placeResult `json:"results"`
	Status       string        `json:"status"`
	ErrorMessage string        `json:"error_message"`
}

type placeResult struct {
	Name             string `json:"name"`
	FormattedAddress string `json:"formatted_address"`
	PlaceID          string `json:"place_id"`
	Geometry         struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

// Lookup searches for the company and returns the first result.
func (p *places) Lookup(ctx context.Context, q Query) (*Result, error) {
	if p.apiKey == "" {
		return nil, eris.New("geocode: google api key not configured")
	}
	text := p.searchText(q)
	if text == "" {
		return nil, eris.New("geocode: empty query")
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit")
	}

	params := url.Values{
		"query": {text},
		"type":  {"establishment"},
		"key":   {p.apiKey},
	}
	if p.region != "" {
		params.Set("region", p.region)
	}
	if p.language != "" {
		params.Set("language", p.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("geocode: places returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read body")
	}

	var pr placesResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}

	switch pr.Status {
	case "OK":
	case "ZERO_RESULTS", "NOT_FOUND":
		return &Result{Found: false}, nil
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return nil, resilience.NewTransientError(
			eris.Errorf("geocode: places status %s: %s", pr.Status, pr.ErrorMessage), http.StatusTooManyRequests)
	default:
		return nil, eris.Errorf("geocode: places status %s: %s", pr.Status, pr.ErrorMessage)
	}

	if len(pr.Results) == 0 {
		return &Result{Found: false}, nil
	}
	r := pr.Results[0]
	if r.FormattedAddress == "" {
		return &Result{Found: false}, nil
	}
	return &Result{
		Found:   true,
		Name:    r.Name,
		Address: r.FormattedAddress,
		Lat:     r.Geometry.Location.Lat,
		Lon:     r.Geometry.Location.Lng,
		PlaceID: r.PlaceID,
	}, nil
}

// searchText builds "<name> [<address hint>] <country>".
func (p *places) searchText(q Query) string {
	parts := make([]string, 0, 3)
	if name := strings.TrimSpace(q.Name); name != "" {
		parts = append(parts, name)
	}
	if addr := strings.TrimSpace(q.Address); addr != "" {
		parts = append(parts, addr)
	}
	if len(parts) == 0 {
		return ""
	}
	if p.country != "" {
		parts = append(parts, p.country)
	}
	return strings.Join(parts, " ")
}
