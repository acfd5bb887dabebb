package edge

import (
	"net"
	"net/http"
)

// Visitor location headers added by the edge network in front of the service.
const (
	HeaderConnectingIP   = "CF-Connecting-IP"
	HeaderCity           = "cf-ipcity"
	HeaderRegion         = "cf-region"
	HeaderPostalCode     = "cf-postal-code"
	HeaderCountry        = "cf-ipcountry"
	HeaderTimezone       = "cf-timezone"
	HeaderLatitude       = "cf-iplatitude"
	HeaderLongitude      = "cf-iplongitude"
	HeaderASN            = "cf-asn"
	HeaderASOrganization = "cf-as-organization"
)

// HeaderProvider reads the edge context from request headers the edge sets
// itself. Only enable it when every request is guaranteed to pass through the
// edge; otherwise clients can forge these headers.
type HeaderProvider struct{}

// NewHeaderProvider creates a header-backed provider
func NewHeaderProvider() *HeaderProvider {
	return &HeaderProvider{}
}

// Context implements Provider.
func (p *HeaderProvider) Context(r *http.Request, _ string) *Context {
	ctx := &Context{
		City:           headerString(r.Header, HeaderCity),
		Region:         headerString(r.Header, HeaderRegion),
		PostalCode:     headerString(r.Header, HeaderPostalCode),
		Country:        headerString(r.Header, HeaderCountry),
		ASOrganization: headerString(r.Header, HeaderASOrganization),
		Timezone:       headerString(r.Header, HeaderTimezone),
	}
	if v, ok := headerValue(r.Header, HeaderASN); ok {
		ctx.ASN = ParseASN(v)
	}
	if v, ok := headerValue(r.Header, HeaderLatitude); ok {
		ctx.Latitude = ParseCoordinate(v)
	}
	if v, ok := headerValue(r.Header, HeaderLongitude); ok {
		ctx.Longitude = ParseCoordinate(v)
	}

	if ctx.Empty() {
		return nil
	}
	return ctx
}

func headerValue(h http.Header, key string) (string, bool) {
	values := h.Values(key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func headerString(h http.Header, key string) Value[string] {
	if v, ok := headerValue(h, key); ok {
		return Some(v)
	}
	return None[string]()
}

// ClientIP returns the trusted connecting IP of r. With a non-empty header name
// the header value is returned verbatim, or "" when the header is missing. An
// empty header name means no edge is in front and the transport peer address is
// used instead.
func ClientIP(r *http.Request, header string) string {
	if header != "" {
		return r.Header.Get(header)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
