package source

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
	log "github.com/sirupsen/logrus"
)

// Categorizer assigns the category of an endpoint: the feed's country when
// present, else the GeoIP country of an IP host, else the fallback.
type Categorizer struct {
	db       *geoip2.Reader
	fallback string
}

// NewCategorizer opens the GeoLite2 country database at dbPath. An empty path
// disables lookups.
func NewCategorizer(dbPath, fallback string) (*Categorizer, error) {
	c := &Categorizer{fallback: strings.ToUpper(fallback)}
	if dbPath == "" {
		return c, nil
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, err
	}
	c.db = db
	log.Infof("GeoIP database loaded from %s", dbPath)
	return c, nil
}

func (c *Categorizer) Category(country, host string) string {
	if country = strings.ToUpper(strings.TrimSpace(country)); country != "" {
		return country
	}
	if code := c.lookup(host); code != "" {
		return code
	}
	return c.fallback
}

func (c *Categorizer) lookup(host string) string {
	if c.db == nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	record, err := c.db.Country(ip)
	if err != nil {
		log.Debugf("GeoIP lookup failed for %s: %v", host, err)
		return ""
	}
	return strings.ToUpper(record.Country.IsoCode)
}

func (c *Categorizer) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
