// Package siteurl canonicalizes site URLs so that surface variants of the same
// site never consume multiple activation seats.
//
// Two forms exist:
//
//   - strict: "scheme://host[:port]", lower-cased, path/query/fragment stripped.
//     This is the storage form.
//   - loose: "host[:port]" with any leading "www." removed. Comparison only,
//     never stored.
//
// Stored rows predate the strict convention, so lookups also use Variants,
// which expands one input into the exact strings older writers may have saved.
package siteurl

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidSiteURL is returned when no host can be recovered from the input.
var ErrInvalidSiteURL = errors.New("site url has no resolvable host")

// Normalize returns the strict canonical form of a site URL.
// A missing scheme defaults to https; schemes other than http/https are
// rejected.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidSiteURL
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(ErrInvalidSiteURL, err.Error())
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrInvalidSiteURL
	}

	host := strings.ToLower(strings.TrimSpace(u.Host))
	host = strings.TrimSuffix(host, ".")
	if host == "" || strings.HasPrefix(host, ":") {
		return "", ErrInvalidSiteURL
	}

	return strings.TrimRight(scheme+"://"+host, "/"), nil
}

// Loose returns the relaxed comparison form: lower-cased host[:port] with any
// leading "www." removed. Empty string when the input is unusable.
func Loose(raw string) string {
	norm, err := Normalize(raw)
	if err != nil {
		return ""
	}
	host := norm[strings.Index(norm, "://")+3:]
	return strings.TrimPrefix(host, "www.")
}

// LooseEqual compares two site URLs in their loose forms.
func LooseEqual(a, b string) bool {
	la, lb := Loose(a), Loose(b)
	return la != "" && la == lb
}

// Variants returns the plausible stored forms of one site URL: the strict form
// plus scheme-flipped and www-toggled spellings. Used for exact-match lookups
// against rows written under older conventions. The strict form is always
// first.
func Variants(raw string) ([]string, error) {
	norm, err := Normalize(raw)
	if err != nil {
		return nil, err
	}

	idx := strings.Index(norm, "://")
	scheme, host := norm[:idx], norm[idx+3:]

	hosts := []string{host}
	if strings.HasPrefix(host, "www.") {
		hosts = append(hosts, strings.TrimPrefix(host, "www."))
	} else {
		hosts = append(hosts, "www."+host)
	}

	schemes := []string{scheme}
	if scheme == "https" {
		schemes = append(schemes, "http")
	} else {
		schemes = append(schemes, "https")
	}

	seen := make(map[string]struct{}, len(schemes)*len(hosts))
	out := make([]string, 0, len(schemes)*len(hosts))
	for _, s := range schemes {
		for _, h := range hosts {
			v := s + "://" + h
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out, nil
}
