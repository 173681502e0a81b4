// Package origin validates browser Origin headers against the configured CORS
// allow list.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allow list permits every well-formed origin.
const Wildcard = "*"

// Normalize validates a browser Origin header and returns its canonical
// scheme://host[:port] form along with the host[:port] part. Scheme and host
// are lower-cased and default ports are dropped.
//
// The opaque origin "null" is returned as-is with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return "", "", false
	}
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lower-cases an authority, brackets IPv6 literals, validates
// the port and drops it when it is the scheme default.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" || strings.ContainsAny(authority, " \t\r\n/") {
		return "", false
	}

	name, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		name, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(authority, "[") {
		if !strings.HasSuffix(authority, "]") {
			return "", false
		}
		name = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		// Unbracketed IPv6 literals are not valid authorities.
		return "", false
	}
	if name == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(name, ":") {
		name = "[" + name + "]"
	}
	if port != "" {
		return name + ":" + port, true
	}
	return name, true
}

// Policy decides which origins may reach the service.
//
// With an empty allow list only same-host requests are accepted: the origin's
// host[:port] must match the request Host. Schemes are not compared so the
// service can sit behind a TLS-terminating proxy.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy builds a policy from normalized origins (see Normalize) or
// Wildcard.
func NewPolicy(allowed []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		if o == Wildcard {
			p.any = true
			continue
		}
		p.allowed[o] = struct{}{}
	}
	return p
}

// Allow reports whether a request carrying the Origin header may proceed and
// returns the normalized origin to echo in CORS headers.
func (p *Policy) Allow(header, requestHost string) (string, bool) {
	normalized, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	if p.any {
		return normalized, true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return normalized, ok
	}

	if host == "" {
		return "", false
	}
	scheme := normalized[:strings.Index(normalized, "://")]
	reqHost, ok := canonicalHost(requestHost, scheme)
	return normalized, ok && reqHost == host
}
