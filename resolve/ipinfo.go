package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPInfo locates addresses with the ipinfo.io JSON API.
type IPInfo struct {
	// BaseURL defaults to https://ipinfo.io
	BaseURL string
	// Client defaults to http.DefaultClient; requests are bound by the
	// resolver's context.
	Client *http.Client
}

// Locate implements Locator.
func (i *IPInfo) Locate(ctx context.Context, ip net.IP) (Location, error) {
	base := strings.TrimSuffix(i.BaseURL, "/")
	if base == "" {
		base = "https://ipinfo.io"
	}
	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+ip.String()+"/json", nil)
	if err != nil {
		return Location{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("ipinfo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("ipinfo status %d", resp.StatusCode)
	}
	data := struct {
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
		Loc     string `json:"loc"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Location{}, fmt.Errorf("ipinfo decode: %w", err)
	}
	loc := Location{
		Country: orUnknown(data.Country),
		Region:  orUnknown(data.Region),
		City:    orUnknown(data.City),
		Loc:     data.Loc,
	}
	if loc.Loc == "" {
		loc.Loc = "0,0"
	}
	loc.MapsURL = MapsURL(loc.Loc)
	return loc, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
