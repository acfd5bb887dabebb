package geodb

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kyxap1/geoecho/internal/cache"
	"github.com/kyxap1/geoecho/internal/edge"
	"github.com/kyxap1/geoecho/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	geoip2 "github.com/oschwald/geoip2-golang"
	"github.com/sirupsen/logrus"
)

// GeoLite2 editions the store works with
const (
	CityEdition = "GeoLite2-City"
	ASNEdition  = "GeoLite2-ASN"
)

// Editions lists every edition in load and update order
var Editions = []string{CityEdition, ASNEdition}

// ErrNoDatabase is returned when no edition could be loaded
var ErrNoDatabase = errors.New("geodb: no database available")

// Reader is the subset of *geoip2.Reader the store uses
type Reader interface {
	City(ip net.IP) (*geoip2.City, error)
	ASN(ip net.IP) (*geoip2.ASN, error)
	Close() error
}

func openGeoIP2(path string) (Reader, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Store resolves edge contexts from local GeoLite2 databases. It stands in for
// the edge network when the service runs without one in front.
type Store struct {
	dir     string
	logger  *logrus.Logger
	metrics *metrics.Manager
	cache   *cache.LookupCache

	open        func(path string) (Reader, error)
	httpClient  *http.Client
	downloadURL string
	retryPolicy func() backoff.BackOff
	now         func() time.Time

	// updateMu serializes Update and Rollback
	updateMu sync.Mutex

	mu   sync.RWMutex
	city Reader
	asn  Reader
}

// NewStore creates a store rooted at dir. lookupCache and m may be nil.
func NewStore(dir string, lookupCache *cache.LookupCache, m *metrics.Manager, logger *logrus.Logger) *Store {
	return &Store{
		dir:         dir,
		logger:      logger,
		metrics:     m,
		cache:       lookupCache,
		open:        openGeoIP2,
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		downloadURL: defaultDownloadURL,
		retryPolicy: defaultRetryPolicy,
		now:         time.Now,
	}
}

func (s *Store) editionPath(edition string) string {
	return filepath.Join(s.dir, edition+".mmdb")
}

// Load (re)opens every edition present on disk. Missing editions are skipped;
// ErrNoDatabase is returned when none could be opened.
func (s *Store) Load() error {
	readers := make(map[string]Reader, len(Editions))
	for _, edition := range Editions {
		path := s.editionPath(edition)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			s.logger.Warnf("%s database not found at %s", edition, path)
			continue
		}

		r, err := s.open(path)
		if err != nil {
			closeReaders(readers, s.logger)
			return fmt.Errorf("failed to open %s database: %w", edition, err)
		}
		readers[edition] = r
	}

	s.mu.Lock()
	oldCity, oldASN := s.city, s.asn
	s.city, s.asn = readers[CityEdition], readers[ASNEdition]
	if s.cache != nil {
		s.cache.Clear()
	}
	s.mu.Unlock()

	closeReader(oldCity, s.logger)
	closeReader(oldASN, s.logger)

	if len(readers) == 0 {
		return ErrNoDatabase
	}
	s.logger.Infof("Loaded %d GeoLite2 database(s) from %s", len(readers), s.dir)
	return nil
}

// Loaded reports whether at least one edition is open
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.city != nil || s.asn != nil
}

// Context implements edge.Provider by looking up the connecting IP.
func (s *Store) Context(_ *http.Request, ip string) *edge.Context {
	return s.Lookup(ip)
}

// Lookup resolves ip against the loaded databases. It returns nil when ip does
// not parse or nothing is known about it.
func (s *Store) Lookup(ip string) *edge.Context {
	if s.cache != nil {
		if ctx, ok := s.cache.Get(ip); ok {
			s.metrics.ObserveLookup("cached")
			return ctx
		}
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		s.metrics.ObserveLookup("invalid")
		return nil
	}

	// mu is held through Set; Load clears the cache under the write lock
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := s.lookup(addr)
	if ctx.Empty() {
		ctx = nil
		s.metrics.ObserveLookup("miss")
	} else {
		s.metrics.ObserveLookup("hit")
	}

	if s.cache != nil {
		s.cache.Set(ip, ctx)
	}
	return ctx
}

// lookup queries both readers. Caller holds mu for reading.
func (s *Store) lookup(addr net.IP) *edge.Context {
	ctx := &edge.Context{}

	if s.city != nil {
		rec, err := s.city.City(addr)
		if err != nil {
			s.logger.Debugf("City lookup for %s failed: %v", addr, err)
		} else {
			ctx.City = nonZero(rec.City.Names["en"])
			if len(rec.Subdivisions) > 0 {
				sub := rec.Subdivisions[0]
				ctx.Region = firstPresent(nonZero(sub.Names["en"]), nonZero(sub.IsoCode))
			}
			ctx.PostalCode = nonZero(rec.Postal.Code)
			ctx.Country = firstPresent(nonZero(rec.Country.IsoCode), nonZero(rec.RegisteredCountry.IsoCode))
			ctx.Timezone = nonZero(rec.Location.TimeZone)
			ctx.Latitude = nonZero(rec.Location.Latitude)
			ctx.Longitude = nonZero(rec.Location.Longitude)
		}
	}

	if s.asn != nil {
		rec, err := s.asn.ASN(addr)
		if err != nil {
			s.logger.Debugf("ASN lookup for %s failed: %v", addr, err)
		} else {
			ctx.ASN = nonZero(uint32(rec.AutonomousSystemNumber))
			ctx.ASOrganization = nonZero(rec.AutonomousSystemOrganization)
		}
	}

	return ctx
}

// CacheStats returns lookup cache statistics
func (s *Store) CacheStats() map[string]interface{} {
	if s.cache == nil {
		return map[string]interface{}{"enabled": false}
	}
	stats := s.cache.Stats()
	stats["enabled"] = true
	return stats
}

// Close closes the open readers
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, r := range []Reader{s.city, s.asn} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.city, s.asn = nil, nil

	if len(errs) > 0 {
		return fmt.Errorf("failed to close databases: %w", errors.Join(errs...))
	}
	return nil
}

func closeReader(r Reader, logger *logrus.Logger) {
	if r == nil {
		return
	}
	if err := r.Close(); err != nil {
		logger.Warnf("Failed to close database reader: %v", err)
	}
}

func closeReaders(readers map[string]Reader, logger *logrus.Logger) {
	for _, r := range readers {
		closeReader(r, logger)
	}
}

// nonZero treats the zero value as absent, since the databases store zero for
// "not known".
func nonZero[T comparable](v T) edge.Value[T] {
	var zero T
	if v == zero {
		return edge.None[T]()
	}
	return edge.Some(v)
}

func firstPresent[T comparable](values ...edge.Value[T]) edge.Value[T] {
	for _, v := range values {
		if v.Present() {
			return v
		}
	}
	return edge.None[T]()
}
