package attachments

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

var cdnHosts = map[string]struct{}{
	"cdn.discordapp.com":   {},
	"media.discordapp.net": {},
}

var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid"}

// URLInfo describes an attachment URL as captured.
type URLInfo struct {
	Normalized string
	Host       string
	CDN        bool
	// ExpiresAt comes from the signed "ex" parameter (hex unix seconds) when present.
	ExpiresAt *time.Time
}

func InspectURL(raw string) (URLInfo, error) {
	normalized, host, err := NormalizeURL(raw)
	if err != nil {
		return URLInfo{}, err
	}
	info := URLInfo{Normalized: normalized, Host: host}
	_, info.CDN = cdnHosts[host]

	parsed, err := url.Parse(normalized)
	if err != nil {
		return info, nil
	}
	if ex := parsed.Query().Get("ex"); ex != "" {
		if seconds, err := strconv.ParseInt(ex, 16, 64); err == nil && seconds > 0 {
			expires := time.Unix(seconds, 0)
			info.ExpiresAt = &expires
		}
	}
	return info, nil
}

// NormalizeURL lowercases and punycodes the host, drops fragments, user info
// and tracking parameters, and sorts the query. Signature parameters are kept.
func NormalizeURL(raw string) (string, string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}

	host := strings.ToLower(parsed.Hostname())
	asciiHost, err := idna.ToASCII(host)
	if err == nil {
		host = asciiHost
	}
	if port := parsed.Port(); port != "" {
		parsed.Host = host + ":" + port
	} else {
		parsed.Host = host
	}
	parsed.Fragment = ""
	parsed.User = nil

	query := parsed.Query()
	for _, key := range trackingParams {
		query.Del(key)
	}
	parsed.RawQuery = normalizeQuery(query)

	return parsed.String(), host, nil
}

func normalizeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clean := url.Values{}
	for _, key := range keys {
		clean[key] = values[key]
	}
	return clean.Encode()
}
