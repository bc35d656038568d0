// Package normalizer turns free-form proxy strings into canonical endpoints.
//
// Accepted input is an optional scheme (http, https, socks4, socks5 and their
// socks4a/socks5h aliases), optional user:pass@ credentials, a host and a port.
// Anything after a "/#" marker or the first whitespace is treated as a comment,
// which is how published lists append latency and site tags.
package normalizer

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/proxy-watch/internal/types"
)

// Reason tags why a candidate was rejected
type Reason string

const (
	MissingHost Reason = "MissingHost"
	BadPort     Reason = "BadPort"
	Unparsable  Reason = "Unparsable"
)

// net.SplitHostPort reports this text for a host with no port
const missingPort = "missing port in address"

// FormatError is returned for candidates that cannot be turned into an Endpoint
type FormatError struct {
	Raw    string
	Reason Reason
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid proxy %q: %s", e.Raw, e.Reason)
}

func invalid(raw string, reason Reason) (types.Endpoint, error) {
	return types.Endpoint{}, &FormatError{Raw: raw, Reason: reason}
}

// Normalize parses raw into an Endpoint. A scheme in raw decides the protocol,
// otherwise target is used (HTTP when target is empty). Category is left empty
// for the caller to fill.
func Normalize(raw string, target types.Protocol) (types.Endpoint, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "/#"); i >= 0 {
		s = s[:i]
	}
	if f := strings.Fields(s); len(f) > 0 {
		s = f[0]
	} else {
		return invalid(raw, Unparsable)
	}

	proto := target
	if proto == "" {
		proto = types.HTTP
	}
	if i := strings.Index(s, "://"); i >= 0 {
		p, ok := types.ParseProtocol(s[:i])
		if !ok {
			return invalid(raw, Unparsable)
		}
		proto = p
		s = s[i+3:]
	}

	var auth *types.Auth
	if at := strings.LastIndex(s, "@"); at >= 0 {
		a, ok := parseAuth(s[:at])
		if !ok {
			return invalid(raw, Unparsable)
		}
		auth = a
		s = s[at+1:]
	}

	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return invalid(raw, MissingHost)
	}
	if !strings.Contains(s, ":") {
		return invalid(raw, BadPort)
	}
	// bracketed IPv6 literal without a port
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return invalid(raw, BadPort)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		var addrErr *net.AddrError
		if strings.HasSuffix(s, ":") || (errors.As(err, &addrErr) && addrErr.Err == missingPort) {
			return invalid(raw, BadPort)
		}
		return invalid(raw, Unparsable)
	}
	if host == "" {
		return invalid(raw, MissingHost)
	}
	if !validHost(host) {
		return invalid(raw, Unparsable)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return invalid(raw, BadPort)
	}

	return types.Endpoint{
		Host:     host,
		Port:     port,
		Protocol: proto,
		Auth:     auth,
	}, nil
}

func parseAuth(s string) (*types.Auth, bool) {
	user, pass, _ := strings.Cut(s, ":")
	if u, err := url.PathUnescape(user); err == nil {
		user = u
	}
	if p, err := url.PathUnescape(pass); err == nil {
		pass = p
	}
	if user == "" {
		return nil, false
	}
	return &types.Auth{Username: user, Password: pass}, true
}

func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	if len(host) > 253 || host[0] == '.' || host[0] == '-' {
		return false
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Dedup collapses endpoints sharing (host, port, protocol), keeping the first
// occurrence and its position.
func Dedup(endpoints []types.Endpoint) []types.Endpoint {
	seen := make(map[string]struct{}, len(endpoints))
	unique := make([]types.Endpoint, 0, len(endpoints))

	for _, ep := range endpoints {
		key := ep.Key()
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, ep)
		}
	}

	return unique
}
