package types

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Protocol is the proxy protocol a candidate is tested as
type Protocol string

const (
	HTTP   Protocol = "http"
	HTTPS  Protocol = "https"
	SOCKS4 Protocol = "socks4"
	SOCKS5 Protocol = "socks5"
)

// Protocols lists every supported protocol in display order
var Protocols = []Protocol{HTTP, HTTPS, SOCKS4, SOCKS5}

// ParseProtocol maps a scheme or config value to a Protocol.
// socks5h and socks4a are folded into their base protocol.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return HTTP, true
	case "https":
		return HTTPS, true
	case "socks4", "socks4a":
		return SOCKS4, true
	case "socks5", "socks5h", "socks":
		return SOCKS5, true
	}
	return "", false
}

// Auth holds optional proxy credentials
type Auth struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// UnknownCategory is used when no country could be determined
const UnknownCategory = "UNKNOWN"

// Endpoint is the canonical identity of a candidate proxy
type Endpoint struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
	Auth     *Auth    `json:"auth,omitempty"`
	Category string   `json:"category"`

	// Ping is the latency advertised by the source, 0 when unknown
	Ping float64 `json:"ping,omitempty"`
}

// Address returns host:port, bracketing IPv6 literals
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Key identifies the endpoint within a probing batch
func (e Endpoint) Key() string {
	return string(e.Protocol) + "://" + strings.ToLower(e.Address())
}

// URL returns the proxy URL including credentials
func (e Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: string(e.Protocol), Host: e.Address()}
	if e.Auth != nil {
		if e.Auth.Password != "" {
			u.User = url.UserPassword(e.Auth.Username, e.Auth.Password)
		} else {
			u.User = url.User(e.Auth.Username)
		}
	}
	return u
}

// String renders the endpoint without credentials
func (e Endpoint) String() string {
	return string(e.Protocol) + "://" + e.Address()
}

// ErrorClass classifies a failed probe
type ErrorClass string

const (
	ErrNone              ErrorClass = ""
	ErrTimeout           ErrorClass = "timeout"
	ErrConnectionRefused ErrorClass = "connection_refused"
	ErrConnectionReset   ErrorClass = "connection_reset"
	ErrProtocol          ErrorClass = "protocol_error"
	ErrOther             ErrorClass = "other"
)

// ErrorClasses lists every failure class in report order
var ErrorClasses = []ErrorClass{ErrTimeout, ErrConnectionRefused, ErrConnectionReset, ErrProtocol, ErrOther}

// NoLatency marks LatencyMs on outcomes that did not pass the protocol stage
const NoLatency = -1.0

// ProbeOutcome is the result of testing one Endpoint.
// ProtocolOK implies Reachable; LatencyMs is NoLatency unless ProtocolOK.
type ProbeOutcome struct {
	Endpoint   Endpoint   `json:"endpoint"`
	Reachable  bool       `json:"reachable"`
	ProtocolOK bool       `json:"protocol_ok"`
	LatencyMs  float64    `json:"latency_ms"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`
	Error      string     `json:"error,omitempty"`
	TestURL    string     `json:"test_url,omitempty"`
	StatusCode int        `json:"status_code,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Success reports whether the probe passed both stages
func (o ProbeOutcome) Success() bool {
	return o.ProtocolOK
}
