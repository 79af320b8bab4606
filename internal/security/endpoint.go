package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInsecureScheme = errors.New("provider URL must use https")
	ErrBlockedHost    = errors.New("provider URL points at a non-public address")
)

// lookupHost is swapped in tests.
var lookupHost = net.LookupHost

// internalHosts are names that resolve inside cloud networks.
var internalHosts = []string{"localhost", "metadata.google.internal", "metadata"}

// ValidateEndpointURL checks an outbound payment provider base URL. It must
// be https and every address the host resolves to must be public.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid provider URL %q", rawURL)
	}
	if u.Scheme != "https" {
		return ErrInsecureScheme
	}

	host := u.Hostname()
	for _, h := range internalHosts {
		if strings.EqualFold(host, h) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(host, ip)
	}

	addrs, err := lookupHost(host)
	if err != nil {
		return fmt.Errorf("resolve provider host %s: %w", host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(host, ip); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkIP(host string, ip net.IP) error {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: %s (%s)", ErrBlockedHost, host, ip)
	}
	return nil
}
