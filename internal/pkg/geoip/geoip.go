package geoip

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"sitepulse/internal/config"
)

// UnknownCountry is reported when an address cannot be resolved.
const UnknownCountry = "XX"

// CountryResolver maps a client IP to an ISO country code.
// Implementations must not retain or log the address.
type CountryResolver interface {
	LookupCountry(ip string) string
}

// UnknownResolver resolves every address to UnknownCountry.
type UnknownResolver struct{}

func (UnknownResolver) LookupCountry(string) string {
	return UnknownCountry
}

// GeoLiteResolver resolves countries from a MaxMind GeoLite2 database.
type GeoLiteResolver struct {
	db *geoip2.Reader
}

// NewResolver opens the GeoLite2 database at path. An empty path disables
// geo resolution; a configured path that cannot be opened is a configuration error.
func NewResolver(path string, logger *slog.Logger) (CountryResolver, error) {
	if path == "" {
		logger.Info("GeoIP database path not configured - countries will be reported as unknown")
		return UnknownResolver{}, nil
	}

	resolver, err := OpenGeoLite(path)
	if err != nil {
		return nil, err
	}

	logger.Info("GeoLite2 database initialized", slog.String("path", path))
	return resolver, nil
}

// OpenGeoLite opens the database file once; the reader is safe for concurrent lookups.
func OpenGeoLite(path string) (*GeoLiteResolver, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &config.ConfigurationError{Field: "SITEPULSE_GEO_DB_PATH", Reason: fmt.Sprintf("file %s does not exist", path)}
		}
		return nil, &config.ConfigurationError{Field: "SITEPULSE_GEO_DB_PATH", Reason: err.Error()}
	}

	db, err := geoip2.Open(path)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "SITEPULSE_GEO_DB_PATH", Reason: fmt.Sprintf("cannot open %s: %v", path, err)}
	}

	return &GeoLiteResolver{db: db}, nil
}

func (r *GeoLiteResolver) LookupCountry(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return UnknownCountry
	}

	record, err := r.db.Country(parsed)
	if err != nil || record.Country.IsoCode == "" {
		return UnknownCountry
	}
	return strings.ToUpper(record.Country.IsoCode)
}

func (r *GeoLiteResolver) Close() error {
	return r.db.Close()
}
