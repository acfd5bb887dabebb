package geodb

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kyxap1/geoecho/internal/cache"
	"github.com/kyxap1/geoecho/internal/metrics"

	geoip2 "github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fakeReader serves canned records keyed by IP string
type fakeReader struct {
	mu      sync.Mutex
	cities  map[string]*geoip2.City
	asns    map[string]*geoip2.ASN
	fail    bool
	closed  bool
	lookups int
}

func (f *fakeReader) City(ip net.IP) (*geoip2.City, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.fail {
		return nil, errors.New("corrupt database")
	}
	if rec, ok := f.cities[ip.String()]; ok {
		return rec, nil
	}
	return &geoip2.City{}, nil
}

func (f *fakeReader) ASN(ip net.IP) (*geoip2.ASN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.fail {
		return nil, errors.New("corrupt database")
	}
	if rec, ok := f.asns[ip.String()]; ok {
		return rec, nil
	}
	return &geoip2.ASN{}, nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// cityRecord decodes a record using the struct's field names; the geoip2
// types carry no json tags and nest anonymous structs.
func cityRecord(t *testing.T, raw string) *geoip2.City {
	t.Helper()
	var rec geoip2.City
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	return &rec
}

func berlinReaders(t *testing.T) (*fakeReader, *fakeReader) {
	city := &fakeReader{cities: map[string]*geoip2.City{
		"203.0.113.7": cityRecord(t, `{
			"City": {"Names": {"en": "Berlin"}},
			"Subdivisions": [{"IsoCode": "BE", "Names": {"en": "Land Berlin"}}],
			"Country": {"IsoCode": "DE"},
			"Postal": {"Code": "10115"},
			"Location": {"Latitude": 52.52, "Longitude": 13.405, "TimeZone": "Europe/Berlin"}
		}`),
		"198.51.100.1": cityRecord(t, `{
			"Subdivisions": [{"IsoCode": "IDF"}],
			"RegisteredCountry": {"IsoCode": "FR"}
		}`),
	}}
	asn := &fakeReader{asns: map[string]*geoip2.ASN{
		"203.0.113.7": {AutonomousSystemNumber: 3320, AutonomousSystemOrganization: "Deutsche Telekom AG"},
	}}
	return city, asn
}

// newFileStore creates a store whose edition files exist on disk and whose
// opener returns the given fakes
func newFileStore(t *testing.T, readers map[string]*fakeReader, lookupCache *cache.LookupCache, m *metrics.Manager) *Store {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(dir, lookupCache, m, newTestLogger())

	for edition := range readers {
		require.NoError(t, os.WriteFile(s.editionPath(edition), []byte(edition), 0o644))
	}
	s.open = func(path string) (Reader, error) {
		edition := strings.TrimSuffix(filepath.Base(path), ".mmdb")
		if r, ok := readers[edition]; ok {
			return r, nil
		}
		return nil, errors.New("unexpected open of " + path)
	}
	return s
}

func TestStore_LookupMapsFields(t *testing.T) {
	city, asn := berlinReaders(t)
	s := newFileStore(t, map[string]*fakeReader{CityEdition: city, ASNEdition: asn}, nil, nil)
	require.NoError(t, s.Load())
	assert.True(t, s.Loaded())

	ctx := s.Lookup("203.0.113.7")
	require.NotNil(t, ctx)
	assert.Equal(t, "Berlin", ctx.City.Or(""))
	assert.Equal(t, "Land Berlin", ctx.Region.Or(""))
	assert.Equal(t, "10115", ctx.PostalCode.Or(""))
	assert.Equal(t, "DE", ctx.Country.Or(""))
	assert.Equal(t, "Europe/Berlin", ctx.Timezone.Or(""))
	assert.Equal(t, 52.52, ctx.Latitude.Or(0))
	assert.Equal(t, 13.405, ctx.Longitude.Or(0))
	assert.Equal(t, uint32(3320), ctx.ASN.Or(0))
	assert.Equal(t, "Deutsche Telekom AG", ctx.ASOrganization.Or(""))
}

func TestStore_LookupFallbacks(t *testing.T) {
	city, asn := berlinReaders(t)
	s := newFileStore(t, map[string]*fakeReader{CityEdition: city, ASNEdition: asn}, nil, nil)
	require.NoError(t, s.Load())

	ctx := s.Lookup("198.51.100.1")
	require.NotNil(t, ctx)
	assert.Equal(t, "IDF", ctx.Region.Or(""), "region falls back to the subdivision code")
	assert.Equal(t, "FR", ctx.Country.Or(""), "country falls back to the registered country")
	assert.False(t, ctx.City.Present())
	assert.False(t, ctx.Latitude.Present(), "zero coordinates from the database are absent")
	assert.False(t, ctx.ASN.Present())
}

func TestStore_LookupUnknownAndInvalid(t *testing.T) {
	city, asn := berlinReaders(t)
	m := metrics.NewManager()
	s := newFileStore(t, map[string]*fakeReader{CityEdition: city, ASNEdition: asn}, nil, m)
	require.NoError(t, s.Load())

	assert.Nil(t, s.Lookup("192.0.2.200"))
	assert.Nil(t, s.Lookup("unknown"))
	assert.Nil(t, s.Lookup(""))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CounterLookups.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CounterLookups.WithLabelValues("invalid")))
}

func TestStore_LookupErrorsAreAbsent(t *testing.T) {
	broken := &fakeReader{fail: true}
	s := newFileStore(t, map[string]*fakeReader{CityEdition: broken}, nil, nil)
	require.NoError(t, s.Load())

	assert.Nil(t, s.Lookup("203.0.113.7"))
}

func TestStore_LookupUsesCache(t *testing.T) {
	city, asn := berlinReaders(t)
	lookupCache := cache.NewLookupCache(time.Minute, 100, newTestLogger())
	defer lookupCache.Close()
	m := metrics.NewManager()

	s := newFileStore(t, map[string]*fakeReader{CityEdition: city, ASNEdition: asn}, lookupCache, m)
	require.NoError(t, s.Load())

	first := s.Lookup("203.0.113.7")
	second := s.Lookup("203.0.113.7")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, city.lookups, "second lookup should be served from cache")

	// negative results are cached too
	assert.Nil(t, s.Lookup("192.0.2.200"))
	assert.Nil(t, s.Lookup("192.0.2.200"))
	assert.Equal(t, 2, city.lookups)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CounterLookups.WithLabelValues("cached")))

	stats := s.CacheStats()
	assert.Equal(t, true, stats["enabled"])
	assert.Equal(t, 2, stats["entries"])
}

func TestStore_CacheStatsDisabled(t *testing.T) {
	s := NewStore(t.TempDir(), nil, nil, newTestLogger())
	assert.Equal(t, map[string]interface{}{"enabled": false}, s.CacheStats())
}

func TestStore_LoadWithoutDatabases(t *testing.T) {
	s := NewStore(t.TempDir(), nil, nil, newTestLogger())

	err := s.Load()
	assert.ErrorIs(t, err, ErrNoDatabase)
	assert.False(t, s.Loaded())
	assert.Nil(t, s.Lookup("203.0.113.7"))
}

func TestStore_LoadPartial(t *testing.T) {
	_, asn := berlinReaders(t)
	s := newFileStore(t, map[string]*fakeReader{ASNEdition: asn}, nil, nil)
	require.NoError(t, s.Load())

	ctx := s.Lookup("203.0.113.7")
	require.NotNil(t, ctx)
	assert.Equal(t, uint32(3320), ctx.ASN.Or(0))
	assert.False(t, ctx.City.Present())
}

func TestStore_LoadOpenFailure(t *testing.T) {
	city, _ := berlinReaders(t)
	s := newFileStore(t, map[string]*fakeReader{CityEdition: city}, nil, nil)
	require.NoError(t, os.WriteFile(s.editionPath(ASNEdition), []byte("garbage"), 0o644))

	err := s.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ASNEdition)
	assert.True(t, city.closed, "readers opened before the failure are closed")
}

func TestStore_ReloadClosesOldReaders(t *testing.T) {
	city, asn := berlinReaders(t)
	s := newFileStore(t, map[string]*fakeReader{CityEdition: city, ASNEdition: asn}, nil, nil)
	require.NoError(t, s.Load())

	replacement := &fakeReader{}
	s.open = func(path string) (Reader, error) { return replacement, nil }
	require.NoError(t, s.Load())

	assert.True(t, city.closed)
	assert.True(t, asn.closed)
	assert.Nil(t, s.Lookup("203.0.113.7"))
}

// gatedReader blocks City lookups until released
type gatedReader struct {
	*fakeReader
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedReader) City(ip net.IP) (*geoip2.City, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.fakeReader.City(ip)
}

func TestStore_ReloadDuringLookupDropsOldResult(t *testing.T) {
	oldCity, asn := berlinReaders(t)
	gated := &gatedReader{
		fakeReader: oldCity,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	lookupCache := cache.NewLookupCache(time.Minute, 100, newTestLogger())
	defer lookupCache.Close()

	s := newFileStore(t, map[string]*fakeReader{CityEdition: oldCity, ASNEdition: asn}, lookupCache, nil)
	open := s.open
	s.open = func(path string) (Reader, error) {
		if strings.Contains(path, CityEdition) {
			return gated, nil
		}
		return open(path)
	}
	require.NoError(t, s.Load())

	newCity := &fakeReader{cities: map[string]*geoip2.City{
		"203.0.113.7": cityRecord(t, `{"City": {"Names": {"en": "Potsdam"}}}`),
	}}

	lookupDone := make(chan struct{})
	go func() {
		defer close(lookupDone)
		s.Lookup("203.0.113.7")
	}()
	<-gated.entered

	s.open = func(path string) (Reader, error) {
		if strings.Contains(path, CityEdition) {
			return newCity, nil
		}
		return asn, nil
	}
	loadDone := make(chan error, 1)
	go func() { loadDone <- s.Load() }()

	// give Load the chance to swap while the old lookup is in flight
	time.Sleep(20 * time.Millisecond)
	close(gated.release)

	<-lookupDone
	require.NoError(t, <-loadDone)

	ctx := s.Lookup("203.0.113.7")
	require.NotNil(t, ctx)
	assert.Equal(t, "Potsdam", ctx.City.Or(""), "result from the replaced database must not be cached")
}

func TestStore_Close(t *testing.T) {
	city, asn := berlinReaders(t)
	s := newFileStore(t, map[string]*fakeReader{CityEdition: city, ASNEdition: asn}, nil, nil)
	require.NoError(t, s.Load())

	require.NoError(t, s.Close())
	assert.True(t, city.closed)
	assert.True(t, asn.closed)
	assert.False(t, s.Loaded())
	require.NoError(t, s.Close())
}

func TestStore_ImplementsProvider(t *testing.T) {
	city, asn := berlinReaders(t)
	s := newFileStore(t, map[string]*fakeReader{CityEdition: city, ASNEdition: asn}, nil, nil)
	require.NoError(t, s.Load())

	ctx := s.Context(nil, "203.0.113.7")
	require.NotNil(t, ctx)
	assert.Equal(t, "DE", ctx.Country.Or(""))
}
