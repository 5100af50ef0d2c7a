package registry

import (
	"net"
	"strconv"
	"time"
)

// Identities given to sessions that have not (successfully) authenticated.
const (
	Unauthenticated = "unauthenticated"
	AuthFailed      = "authentication failed"
)

// timeLayout matches the human readable timestamps of the wire protocol.
const timeLayout = "2006-01-02 15:04:05"

// Session is the metadata kept for one live connection.
type Session struct {
	IP           string    `json:"ip"`
	Port         int       `json:"port"`
	Hostname     string    `json:"hostname"`
	Username     string    `json:"username"`
	ConnectedAt  Timestamp `json:"connected_at"`
	LastActivity Timestamp `json:"last_activity"`
	Location     string    `json:"location"`
	MapsURL      string    `json:"maps_url"`
}

// NewSession returns an unauthenticated session for ip:port connected at t.
// Hostname and location are "unknown" until resolved.
func NewSession(ip string, port int, t time.Time) Session {
	return Session{
		IP:           ip,
		Port:         port,
		Hostname:     "unknown",
		Username:     Unauthenticated,
		ConnectedAt:  Timestamp(t),
		LastActivity: Timestamp(t),
		Location:     "Unknown",
	}
}

// Addr returns the registry key of the session.
func (s Session) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// Timestamp is a time encoded as "2006-01-02 15:04:05" in local time.
type Timestamp time.Time

// Time returns t as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

func (t Timestamp) String() string {
	return time.Time(t).Local().Format(timeLayout)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return err
	}
	v, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return err
	}
	*t = Timestamp(v)
	return nil
}
