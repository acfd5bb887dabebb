package edge

import (
	"math"
	"net/http"
	"strconv"
	"strings"
)

// Context is the geolocation and network metadata the edge attaches to a
// request. Every field is independently optional; a nil *Context means the
// edge supplied nothing at all.
type Context struct {
	City           Value[string]
	Region         Value[string]
	PostalCode     Value[string]
	Country        Value[string]
	ASOrganization Value[string]
	ASN            Value[uint32]
	Timezone       Value[string]
	Latitude       Value[float64]
	Longitude      Value[float64]
}

// Empty reports whether no field of c was supplied.
func (c *Context) Empty() bool {
	if c == nil {
		return true
	}
	return !c.City.Present() &&
		!c.Region.Present() &&
		!c.PostalCode.Present() &&
		!c.Country.Present() &&
		!c.ASOrganization.Present() &&
		!c.ASN.Present() &&
		!c.Timezone.Present() &&
		!c.Latitude.Present() &&
		!c.Longitude.Present()
}

// merge fills every field absent in c from other.
func (c Context) merge(other Context) Context {
	return Context{
		City:           c.City.orElse(other.City),
		Region:         c.Region.orElse(other.Region),
		PostalCode:     c.PostalCode.orElse(other.PostalCode),
		Country:        c.Country.orElse(other.Country),
		ASOrganization: c.ASOrganization.orElse(other.ASOrganization),
		ASN:            c.ASN.orElse(other.ASN),
		Timezone:       c.Timezone.orElse(other.Timezone),
		Latitude:       c.Latitude.orElse(other.Latitude),
		Longitude:      c.Longitude.orElse(other.Longitude),
	}
}

// Provider resolves the edge context for a request whose trusted connecting IP
// is ip. It returns nil when it has nothing to say about the request.
type Provider interface {
	Context(r *http.Request, ip string) *Context
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(r *http.Request, ip string) *Context

// Context calls f(r, ip).
func (f ProviderFunc) Context(r *http.Request, ip string) *Context {
	return f(r, ip)
}

// ParseASN parses an autonomous system number, accepting an optional "AS" prefix.
func ParseASN(s string) Value[uint32] {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[:2], "as") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return None[uint32]()
	}
	return Some(uint32(n))
}

// ParseCoordinate parses a decimal-degree coordinate. NaN and infinities are
// rejected because they have no JSON representation.
func ParseCoordinate(s string) Value[float64] {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return None[float64]()
	}
	return Some(f)
}
