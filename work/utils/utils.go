package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// LogURL returns either the original URL or an obfuscated version for logging,
// depending on the obfuscate flag. Segment URLs frequently carry signed tokens
// and embedded credentials, so log output masks them unless explicitly allowed.
func LogURL(obfuscate bool, rawURL string) string {
	if obfuscate {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// ObfuscateURL masks the sensitive parts of a URL while keeping enough of it
// readable to correlate log lines: scheme and host survive, credentials are
// dropped, query values are replaced and the path keeps only its last element.
func ObfuscateURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		// not parseable, mask everything past a reasonable prefix
		if len(rawURL) > 24 {
			return rawURL[:24] + "..."
		}
		return rawURL
	}

	masked := u.Scheme + "://" + u.Hostname()

	// keep only the final path element for correlation
	if u.Path != "" && u.Path != "/" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		masked += "/.../" + parts[len(parts)-1]
	}

	if u.RawQuery != "" {
		masked += "?..."
	}

	return masked
}

// FormatBytes renders a byte count in human-readable form (B, KB, MB, GB).
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
