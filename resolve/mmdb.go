package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/oschwald/maxminddb-golang"
)

// MMDB locates addresses with a MaxMind (GeoLite2/GeoIP2) city database.
type MMDB struct {
	db *maxminddb.Reader
}

type cityRecord struct {
	Country struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// OpenMMDB opens the database at path.
func OpenMMDB(path string) (*MMDB, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo database: %w", err)
	}
	return &MMDB{db: db}, nil
}

// Locate implements Locator.
func (m *MMDB) Locate(_ context.Context, ip net.IP) (Location, error) {
	rec := cityRecord{}
	if err := m.db.Lookup(ip, &rec); err != nil {
		return Location{}, err
	}
	if rec.Country.Names == nil && rec.City.Names == nil {
		return Location{}, errors.New("address not found")
	}
	loc := Location{
		Country: orUnknown(rec.Country.Names["en"]),
		City:    orUnknown(rec.City.Names["en"]),
		Region:  "Unknown",
		Loc:     formatLoc(rec.Location.Latitude, rec.Location.Longitude),
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = orUnknown(rec.Subdivisions[0].Names["en"])
	}
	loc.MapsURL = MapsURL(loc.Loc)
	return loc, nil
}

// Close closes the database.
func (m *MMDB) Close() error {
	return m.db.Close()
}

func formatLoc(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 4, 64) + "," + strconv.FormatFloat(lon, 'f', 4, 64)
}
