package utils

import "net/url"

// LogURL returns either the original URL or an obfuscated version for logging.
// Pass verbose=true (print-network-traffic) to log URLs as-is, tokens included.
func LogURL(verbose bool, url string) string {
	if verbose {
		return url
	}
	return ObfuscateURL(url)
}

// MaskToken shortens an opaque streaming token for log output, keeping just
// enough of it to correlate log lines within a session.
func MaskToken(token string) string {
	if token == "" {
		return "<none>"
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

// ObfuscateURL keeps scheme and host but hides path and query, so log lines
// stay useful without leaking streaming tokens or session parameters.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
