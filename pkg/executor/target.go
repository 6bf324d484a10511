package executor

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrInvalidTarget = errors.New("invalid target")
	ErrPrivateTarget = errors.New("target resolves to a private or local address")
)

// hostnameRE matches an RFC 952/1123 style hostname label sequence.
var hostnameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62})?(\.[a-z0-9]([a-z0-9-]{0,62})?)*$`)

// blockedHostnames are never acceptable scan targets regardless of
// configuration; they are the machine running the scanner.
var blockedHostnames = map[string]bool{
	"localhost": true,
}

// privateSuffixes identify hostnames that resolve inside private
// infrastructure.
var privateSuffixes = []string{
	".localhost",
	".local",
	".internal",
}

// ValidateTarget checks that raw is a syntactically valid hostname, IP
// address, or http(s) URL, and that it does not point at private or local
// address space unless allowPrivate is set. Validation is purely
// syntactic; no DNS lookups are performed. It returns the trimmed target.
func ValidateTarget(raw string, allowPrivate bool) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	host := target
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("%w: URL has no host", ErrInvalidTarget)
		}
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}

	host = normalizeHost(host)
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidTarget)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !allowPrivate && isPrivateIP(ip) {
			return "", fmt.Errorf("%w: %s", ErrPrivateTarget, host)
		}
		return target, nil
	}

	if !allowPrivate && isPrivateHostname(host) {
		return "", fmt.Errorf("%w: %s", ErrPrivateTarget, host)
	}
	if len(host) > 253 || !hostnameRE.MatchString(host) {
		return "", fmt.Errorf("%w: malformed hostname %q", ErrInvalidTarget, host)
	}
	return target, nil
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return host
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

func isPrivateHostname(host string) bool {
	if blockedHostnames[host] {
		return true
	}
	for _, suffix := range privateSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
