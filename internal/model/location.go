package model

import "time"

// LocationStatus is the geocoding state of a company.
type LocationStatus string

const (
	// LocationUnknown means no lookup has been recorded.
	LocationUnknown LocationStatus = "unknown"
	// LocationFound means the provider resolved an address.
	LocationFound LocationStatus = "found"
	// LocationNotFound means the provider had no match for the company.
	LocationNotFound LocationStatus = "not_found"
	// LocationFailed means the provider could not be reached after retry.
	// It holds for the run that recorded it and is looked up again later.
	LocationFailed LocationStatus = "failed"
)

// Location is the cached geocode of a company.
type Location struct {
	CompanyID string         `json:"company_id"`
	Status    LocationStatus `json:"status"`
	Address   string         `json:"address,omitempty"`
	Lat       float64        `json:"lat,omitempty"`
	Lon       float64        `json:"lon,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Known reports whether a lookup result (success or failure) is recorded.
func (l Location) Known() bool {
	return l.Status == LocationFound || l.Status == LocationNotFound || l.Status == LocationFailed
}

// Found reports whether the location resolved to an address.
func (l Location) Found() bool {
	return l.Status == LocationFound
}
