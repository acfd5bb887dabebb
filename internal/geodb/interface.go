package geodb

import "github.com/kyxap1/geoecho/internal/edge"

// LookupStore is what the HTTP layer needs from a geolocation database
type LookupStore interface {
	edge.Provider
	Loaded() bool
	CacheStats() map[string]interface{}
	Close() error
}

var _ LookupStore = (*Store)(nil)
