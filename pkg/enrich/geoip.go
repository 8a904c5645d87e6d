package enrich

import (
	"net"

	"github.com/oschwald/geoip2-golang"

	"otscope/pkg/logging"
)

// GeoIPOracle resolves public IP addresses to ISO-3166-1 alpha-2 country
// codes from an MMDB database. Only the country.iso_code leaf is read.
type GeoIPOracle struct {
	db     *geoip2.Reader
	logger *logging.Logger
}

// NewGeoIPOracle opens the MMDB file. A missing database degrades the
// oracle to null lookups, logged once.
func NewGeoIPOracle(path string) *GeoIPOracle {
	o := &GeoIPOracle{logger: logging.NewLogger("geoip", logging.INFO, false)}
	if path == "" {
		return o
	}
	db, err := geoip2.Open(path)
	if err != nil {
		o.logger.Warn("GeoIP database unavailable, country lookups disabled", logging.Fields{
			"path": path, "error": err.Error(),
		})
		return o
	}
	o.db = db
	o.logger.Info("GeoIP database loaded", logging.Fields{"path": path})
	return o
}

// Close releases the database reader.
func (o *GeoIPOracle) Close() {
	if o.db != nil {
		o.db.Close()
	}
}

// Lookup returns the country code for a public IP, or "" for private,
// loopback, link-local, multicast and reserved addresses or on any miss.
func (o *GeoIPOracle) Lookup(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil || !IsPublicIP(ip) || o.db == nil {
		return ""
	}
	record, err := o.db.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// IsPublicIP reports whether the address is globally routable: not
// private, loopback, link-local, multicast, unspecified or broadcast.
func IsPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	switch {
	case ip.IsPrivate(),
		ip.IsLoopback(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified(),
		ip.Equal(net.IPv4bcast):
		return false
	}
	return true
}
