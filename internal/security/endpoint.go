package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeURL is returned for outbound URLs that point at internal hosts.
var ErrUnsafeURL = errors.New("unsafe outbound URL")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that a URL configured for server-side delivery
// (such as the ops notification webhook) is absolute http(s) and does not
// target loopback, private, link-local or unspecified addresses. Hostnames
// are resolved and every address is checked.
func ValidateEndpointURL(rawURL string) error {
	return validate(rawURL, net.LookupHost)
}

func validate(rawURL string, lookup func(string) ([]string, error)) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: malformed", ErrUnsafeURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrUnsafeURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeURL, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	addrs, err := lookup(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrUnsafeURL, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeURL)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrUnsafeURL)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeURL)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrUnsafeURL)
	}
	return nil
}
