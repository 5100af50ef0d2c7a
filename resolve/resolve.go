// Package resolve turns a peer IP into a best-effort host name and coarse
// location. Lookups never fail: errors degrade to placeholder values.
package resolve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds a whole Resolve call.
const DefaultTimeout = 3 * time.Second

// UnknownHost is the host name used when reverse DNS fails.
const UnknownHost = "unknown"

const (
	mapsBase  = "https://www.google.com/maps"
	mapsPlace = mapsBase + "/place/"
)

// Location is a coarse geolocation record.
type Location struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
	// Loc is "latitude,longitude".
	Loc     string `json:"loc"`
	MapsURL string `json:"maps_url"`
	IsLocal bool   `json:"is_local"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s, %s, %s", l.City, l.Region, l.Country)
}

// Unknown is returned when no location could be determined.
var Unknown = Location{
	Country: "Unknown",
	Region:  "Unknown",
	City:    "Unknown",
	Loc:     "0,0",
	MapsURL: mapsBase,
}

// LocalNetwork is returned for loopback and private addresses.
var LocalNetwork = Location{
	Country: "Local Network",
	Region:  "Local Network",
	City:    "Local Network",
	Loc:     "0,0",
	MapsURL: mapsPlace + "Your+Location",
	IsLocal: true,
}

// MapsURL returns a map link for a "lat,lon" pair.
func MapsURL(loc string) string {
	if loc == "" || loc == "0,0" {
		return mapsBase
	}
	return mapsPlace + loc
}

// Locator finds the location of a public IP.
type Locator interface {
	Locate(ctx context.Context, ip net.IP) (Location, error)
}

// Info is the result of resolving a peer.
type Info struct {
	Hostname string
	Location Location
}

// Resolver resolves peers. The zero value does reverse DNS only.
type Resolver struct {
	// LookupAddr performs reverse DNS; defaults to net.DefaultResolver.
	LookupAddr func(ctx context.Context, addr string) ([]string, error)
	// Locator is consulted for public addresses; nil means Unknown.
	Locator Locator
	// Timeout bounds Resolve; defaults to DefaultTimeout.
	Timeout time.Duration
	// Logger receives lookup failures at debug level.
	Logger *slog.Logger
}

// New returns a Resolver whose locator is selected by geo:
// "" disables geolocation, "ipinfo" queries ipinfo.io, anything else is
// the path of a MaxMind city database.
func New(geo string, logger *slog.Logger) (*Resolver, error) {
	r := &Resolver{Logger: logger}
	switch geo {
	case "":
	case "ipinfo":
		r.Locator = &IPInfo{}
	default:
		db, err := OpenMMDB(geo)
		if err != nil {
			return nil, err
		}
		r.Locator = db
	}
	return r, nil
}

// Resolve looks up ip. It never returns an error; failures yield
// UnknownHost and the Unknown location.
func (r *Resolver) Resolve(ctx context.Context, ip string) Info {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return Info{
		Hostname: r.hostname(ctx, ip),
		Location: r.locate(ctx, ip),
	}
}

func (r *Resolver) hostname(ctx context.Context, ip string) string {
	lookup := r.LookupAddr
	if lookup == nil {
		lookup = net.DefaultResolver.LookupAddr
	}
	names, err := lookup(ctx, ip)
	if err != nil || len(names) == 0 {
		r.debugf("reverse lookup %s failed: %v", ip, err)
		return UnknownHost
	}
	return strings.TrimSuffix(names[0], ".")
}

func (r *Resolver) locate(ctx context.Context, ip string) Location {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Unknown
	}
	if IsLocal(parsed) {
		return LocalNetwork
	}
	if r.Locator == nil {
		return Unknown
	}
	loc, err := r.Locator.Locate(ctx, parsed)
	if err != nil {
		r.debugf("geolocation of %s failed: %v", ip, err)
		return Unknown
	}
	if loc.MapsURL == "" {
		loc.MapsURL = MapsURL(loc.Loc)
	}
	return loc
}

// Close releases the locator, if it holds resources.
func (r *Resolver) Close() error {
	if c, ok := r.Locator.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// IsLocal reports whether ip is loopback, private or link-local.
func IsLocal(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

func (r *Resolver) debugf(f string, args ...interface{}) {
	if r.Logger != nil {
		r.Logger.Debug(fmt.Sprintf(f, args...))
	}
}
