package geofilter

import (
	"slices"
	"strings"
	"unicode"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/incentive-matcher/internal/textnorm"
)

// Scope is how a requirement can be decided without a model call.
type Scope int

const (
	// ScopeRegional needs per-company classification.
	ScopeRegional Scope = iota
	// ScopeNational admits any company located in the country.
	ScopeNational
	// ScopeMainland admits companies on the mainland, excluding the
	// autonomous regions.
	ScopeMainland
)

func (s Scope) String() string {
	switch s {
	case ScopeNational:
		return "national"
	case ScopeMainland:
		return "mainland"
	default:
		return "regional"
	}
}

var (
	mainlandTerms = []string{"continental", "continente"}
	nationalTerms = []string{
		"nacional", "national", "todo o pais", "todo o territorio",
		"todas as regioes", "all regions", "nationwide", "sem restricao geografica",
	}
	islandTerms = []string{"acores", "azores", "madeira", "porto santo"}
)

// Detect classifies a free-text requirement. Anything not clearly national
// or mainland is regional.
func Detect(requirement, country string) Scope {
	f := textnorm.Fold(requirement)
	if f == "" {
		return ScopeRegional
	}
	islands := textnorm.ContainsAny(f, islandTerms...) || strings.Contains(f, "autonoma")
	if textnorm.ContainsAny(f, mainlandTerms...) && !islands {
		return ScopeMainland
	}
	if textnorm.ContainsAny(f, nationalTerms...) {
		return ScopeNational
	}
	if country != "" && strings.Trim(f, " .") == textnorm.Fold(country) {
		return ScopeNational
	}
	return ScopeRegional
}

// Bounding boxes (lon/lat) of Portuguese territory.
var (
	mainlandBounds = geom.NewBounds(geom.XY).Set(-9.56, 36.93, -6.17, 42.17)
	madeiraBounds  = geom.NewBounds(geom.XY).Set(-17.30, 32.35, -16.20, 33.15)
	azoresBounds   = geom.NewBounds(geom.XY).Set(-31.30, 36.90, -24.90, 39.80)
)

func inBounds(b *geom.Bounds, s Subject) bool {
	if s.Lat == 0 && s.Lon == 0 {
		return false
	}
	return b.OverlapsPoint(geom.XY, geom.Coord{s.Lon, s.Lat})
}

func onIsland(s Subject) bool {
	return inBounds(madeiraBounds, s) || inBounds(azoresBounds, s) ||
		textnorm.ContainsAny(s.Address, islandTerms...)
}

// Country names and codes a geocoded address can end with. Only the
// neighbours and usual foreign addresses of registered companies are listed.
var (
	countryCodes = map[string][]string{
		"portugal": {"pt", "prt"},
		"spain":    {"es", "esp"},
		"espanha":  {"es", "esp"},
	}
	countryNames = []string{
		"portugal", "spain", "espanha", "espana", "france", "franca",
		"germany", "alemanha", "deutschland", "italy", "italia",
		"united kingdom", "reino unido", "uk", "ireland", "irlanda",
		"netherlands", "paises baixos", "belgium", "belgica", "luxembourg",
		"luxemburgo", "switzerland", "suica", "brazil", "brasil", "angola",
		"mozambique", "mocambique", "cabo verde", "cape verde",
		"united states", "usa", "estados unidos",
	}
)

// lastSegment returns the folded text after the address' last comma.
func lastSegment(address string) string {
	if i := strings.LastIndex(address, ","); i >= 0 {
		address = address[i+1:]
	}
	return strings.Trim(textnorm.Fold(address), " .")
}

// inCountry accepts an address ending with the country's name or code and
// rejects one ending with another country. Any other address (city, postal
// code, region) is decided by coordinates.
func inCountry(s Subject, country string) bool {
	last := lastSegment(s.Address)
	home := textnorm.Fold(country)
	if last != "" && !strings.ContainsFunc(last, unicode.IsDigit) {
		if last == home || slices.Contains(countryCodes[home], last) {
			return true
		}
		if slices.Contains(countryNames, last) {
			return false
		}
	}
	return inBounds(mainlandBounds, s) || inBounds(madeiraBounds, s) || inBounds(azoresBounds, s)
}

// decideLocally applies a national or mainland scope to one located subject.
func decideLocally(scope Scope, s Subject, country string) bool {
	switch scope {
	case ScopeNational:
		return inCountry(s, country)
	case ScopeMainland:
		return inCountry(s, country) && !onIsland(s)
	default:
		return false
	}
}
