package browser

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"github.com/zulandar/senderyard/internal/api"
)

func toCookieParams(in []api.Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(in))
	for _, c := range in {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		out = append(out, p)
	}
	return out
}

// fromNetworkCookies keeps only cookies for domain and its subdomains.
func fromNetworkCookies(in []*proto.NetworkCookie, domain string) []api.Cookie {
	domain = strings.TrimPrefix(domain, ".")
	out := make([]api.Cookie, 0, len(in))
	for _, c := range in {
		host := strings.TrimPrefix(c.Domain, ".")
		if domain != "" && host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		ck := api.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			ck.Expires = float64(c.Expires)
		}
		out = append(out, ck)
	}
	return out
}
