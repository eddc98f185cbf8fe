package dns

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Verifier checks propagated TXT records against live resolvers.
type Verifier struct {
	resolver *net.Resolver
}

// NewVerifier builds a verifier. With no nameservers it uses the system
// resolver, otherwise queries are sent to the given servers (":53" is
// appended when the port is missing).
func NewVerifier(nameservers []string) *Verifier {
	if len(nameservers) == 0 {
		return &Verifier{resolver: net.DefaultResolver}
	}
	servers := make([]string, len(nameservers))
	for i, server := range nameservers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		servers[i] = server
	}
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var dialer net.Dialer
			var lastErr error
			for _, server := range servers {
				conn, err := dialer.DialContext(ctx, network, server)
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
	return &Verifier{resolver: resolver}
}

// VerifyTXT reports whether a TXT record with the expected value is
// visible at hostname.
func (v *Verifier) VerifyTXT(ctx context.Context, hostname, expected string) (bool, error) {
	values, err := v.resolver.LookupTXT(ctx, strings.TrimSuffix(hostname, "."))
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, err
	}
	for _, value := range values {
		if value == expected {
			return true, nil
		}
	}
	return false, nil
}
