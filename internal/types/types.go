package types

import (
	"bytes"
	"encoding/json"

	"github.com/kyxap1/geoecho/internal/edge"
)

// Defaults substituted for values the edge did not supply
const (
	UnknownIP    = "unknown"
	UnknownField = "Unknown"
)

// GeoRecord is the flat record echoed back to the client. Field order is the
// serialization order.
type GeoRecord struct {
	IP         string  `json:"ip"`
	City       string  `json:"city"`
	Region     string  `json:"region"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	ISP        string  `json:"isp"`
	ASN        uint32  `json:"asn"`
	Timezone   string  `json:"timezone"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// BuildRecord maps a connecting IP and an optional edge context onto a
// GeoRecord. Each field falls back to its default when the source is absent or
// zero; a nil ctx yields defaults for every geo field.
func BuildRecord(ip string, ctx *edge.Context) GeoRecord {
	if ctx == nil {
		ctx = &edge.Context{}
	}

	return GeoRecord{
		IP:         edge.Some(ip).Or(UnknownIP),
		City:       ctx.City.Or(UnknownField),
		Region:     ctx.Region.Or(UnknownField),
		PostalCode: ctx.PostalCode.Or(UnknownField),
		Country:    ctx.Country.Or(UnknownField),
		ISP:        ctx.ASOrganization.Or(UnknownField),
		ASN:        ctx.ASN.Or(0),
		Timezone:   ctx.Timezone.Or(UnknownField),
		Latitude:   ctx.Latitude.Or(0),
		Longitude:  ctx.Longitude.Or(0),
	}
}

// MarshalRecord encodes rec as compact JSON without HTML escaping and without
// a trailing newline.
func MarshalRecord(rec GeoRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
