// Package origin decides whether a browser Origin may drive the local view.
// Any page the user visits can send requests to 127.0.0.1, so presses and the
// event stream are limited to same-host origins unless configured otherwise.
package origin

import (
	"net"
	"net/url"
	"strings"
)

// Normalize validates an Origin value and returns it as scheme://host[:port]
// with default ports dropped, plus the host[:port] part. "null" is returned
// unchanged with an empty host.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
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

// Allowed reports whether a request carrying originHeader may be served. An
// absent header is allowed (non-browser clients). With an allow list, the
// normalized origin must appear in it or the list must contain "*"; otherwise
// the origin's host must equal the request's Host. Schemes are not compared
// so a TLS-terminating proxy in front does not break same-host checks.
func Allowed(originHeader, requestHost string, allowList []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if len(allowList) > 0 {
		for _, allowed := range allowList {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}
	if host == "" {
		return false
	}
	scheme := normalized[:strings.Index(normalized, "://")]
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == host
}

// canonicalHost lowercases the hostname, brackets IPv6 literals, and drops the
// scheme's default port.
func canonicalHost(raw, scheme string) (string, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", false
	}
	hostname, port := raw, ""
	if h, p, err := net.SplitHostPort(raw); err == nil {
		if p == "" {
			return "", false
		}
		hostname, port = h, p
	} else if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		hostname = raw[1 : len(raw)-1]
	} else if strings.Contains(raw, ":") {
		// Unbracketed IPv6 or a malformed port.
		return "", false
	}
	if hostname == "" {
		return "", false
	}
	if port != "" {
		for _, c := range port {
			if c < '0' || c > '9' {
				return "", false
			}
		}
		if len(port) > 5 || port == "0" || (len(port) == 5 && port > "65535") {
			return "", false
		}
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}
