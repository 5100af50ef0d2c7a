package resolve_test

import (
	"net"
	"testing"

	"github.com/jpillora/devctl/resolve"
)

// testdata/city.mmdb is generated by testdata/mkcity.py.
const cityDB = "testdata/city.mmdb"

func TestMMDBLocate(t *testing.T) {
	t.Parallel()
	db, err := resolve.OpenMMDB(cityDB)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	type testCase struct {
		ip   string
		want resolve.Location
		err  bool
	}
	for _, tc := range []testCase{
		{
			ip: "81.2.69.142",
			want: resolve.Location{
				Country: "United Kingdom",
				Region:  "England",
				City:    "London",
				Loc:     "51.5142,-0.0931",
				MapsURL: "https://www.google.com/maps/place/51.5142,-0.0931",
			},
		},
		{
			ip: "89.160.20.112",
			want: resolve.Location{
				Country: "Sweden",
				Region:  "Unknown",
				City:    "Linkoping",
				Loc:     "58.4167,15.6167",
				MapsURL: "https://www.google.com/maps/place/58.4167,15.6167",
			},
		},
		{ip: "8.8.8.8", err: true},
		{ip: "2001:db8::1", err: true},
	} {
		got, err := db.Locate(t.Context(), net.ParseIP(tc.ip))
		if tc.err {
			if err == nil {
				t.Errorf("%s: expected error, got %+v", tc.ip, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.ip, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.ip, got, tc.want)
		}
	}
}

func TestNewWithMMDB(t *testing.T) {
	t.Parallel()
	r, err := resolve.New(cityDB, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	r.LookupAddr = lookup([]string{"host.example.co.uk."}, nil)
	info := r.Resolve(t.Context(), "81.2.69.142")
	if info.Location.String() != "London, England, United Kingdom" {
		t.Errorf("location %q", info.Location)
	}
	info = r.Resolve(t.Context(), "8.8.8.8")
	if info.Location != resolve.Unknown {
		t.Errorf("expected unknown for an address missing from the database, got %+v", info.Location)
	}
}
