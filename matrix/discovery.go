package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
)

// DiscoverBase resolves a homeserver domain or literal URL to the API base
// URL. A `_matrix._tcp` SRV record wins; otherwise the input is taken as a
// literal URL, defaulting to https and the standard path prefix.
func DiscoverBase(ctx context.Context, domainOrURL string, logger *slog.Logger) (*url.URL, error) {
	if !strings.Contains(domainOrURL, "/") && !strings.Contains(domainOrURL, ":") {
		_, addrs, err := net.DefaultResolver.LookupSRV(ctx, "matrix", "tcp", domainOrURL)
		if err == nil && len(addrs) > 0 {
			target := strings.TrimSuffix(addrs[0].Target, ".")
			base := fmt.Sprintf("https://%s:%d/_matrix/", target, addrs[0].Port)
			logger.Debug("homeserver found via SRV", "domain", domainOrURL, "base", base)
			return url.Parse(base)
		}
		logger.Debug("no SRV record, treating input as homeserver host", "domain", domainOrURL)
	}

	raw := domainOrURL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bad homeserver URL %q: %w", domainOrURL, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/_matrix/"
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}
