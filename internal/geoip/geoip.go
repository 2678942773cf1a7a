// Package geoip annotates exit addresses with ISP and country from MaxMind
// databases.
package geoip

import (
	"errors"
	"fmt"
	"net"

	"rayconf/internal/logger"

	"github.com/oschwald/geoip2-golang"
)

var ErrNotConfigured = errors.New("geoip database not configured")

type Resolver struct {
	asn     *geoip2.Reader
	country *geoip2.Reader
}

type GeoResult struct {
	ISP     string
	Country string
}

// Open loads the MMDB files. The ASN database is required when a path is
// given; a broken country database only drops country data.
func Open(asnPath, countryPath string) (*Resolver, error) {
	r := &Resolver{}

	if asnPath != "" {
		reader, err := geoip2.Open(asnPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open ASN DB at %s: %w", asnPath, err)
		}
		r.asn = reader
	}

	if countryPath != "" {
		reader, err := geoip2.Open(countryPath)
		if err != nil {
			logger.Log.Warnf("Failed to open Country DB at %s: %v. Country data will be missing.", countryPath, err)
		} else {
			r.country = reader
		}
	}

	return r, nil
}

// Lookup returns what the loaded databases know about ipStr. A nil
// Resolver or one without databases returns ErrNotConfigured.
func (r *Resolver) Lookup(ipStr string) (*GeoResult, error) {
	if r == nil || (r.asn == nil && r.country == nil) {
		return nil, ErrNotConfigured
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip: %s", ipStr)
	}

	res := &GeoResult{ISP: "Unknown", Country: "XX"}

	if r.asn != nil {
		if asn, err := r.asn.ASN(ip); err == nil && asn.AutonomousSystemOrganization != "" {
			res.ISP = asn.AutonomousSystemOrganization
		}
	}
	if r.country != nil {
		if c, err := r.country.Country(ip); err == nil && c.Country.IsoCode != "" {
			res.Country = c.Country.IsoCode
		}
	}

	return res, nil
}

func (r *Resolver) Close() {
	if r == nil {
		return
	}
	if r.asn != nil {
		r.asn.Close()
	}
	if r.country != nil {
		r.country.Close()
	}
}
