// Package fingerprint derives a stable, cookieless device fingerprint from
// client-side browser signals.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sightline/sightline/pkg/types"
)

const (
	// prefix distinguishes fingerprint tokens from other identifiers.
	prefix = "fp-"

	// digestLen is the number of hex characters kept from the digest.
	digestLen = 24

	// uaHashLen is the number of hex characters kept from the user-agent hash.
	uaHashLen = 16

	unknown = "unknown"
)

// Generate derives a device fingerprint from the event's browser signals and
// user-agent string. The same inputs always produce the same fingerprint;
// missing signals are folded in as "unknown"/zero rather than failing.
func Generate(signals types.BrowserSignals, userAgent string) string {
	components := map[string]string{
		"screen":   dimensions(signals.ScreenWidth, signals.ScreenHeight),
		"viewport": dimensions(signals.ViewportWidth, signals.ViewportHeight),
		"ua_hash":  hashUserAgent(userAgent),
		"timezone": orUnknown(signals.Timezone),
		"language": orUnknown(signals.Language),
		"dpr":      pixelRatio(signals.DevicePixelRatio),
		"platform": Platform(userAgent),
	}

	// Serialize with sorted keys so the digest is deterministic.
	keys := make([]string, 0, len(components))
	for k := range components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(components[k])
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return prefix + hex.EncodeToString(sum[:])[:digestLen]
}

// Platform derives a coarse platform token from the user-agent string.
func Platform(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return unknown
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return "ios"
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return unknown
	}
}

func hashUserAgent(userAgent string) string {
	if userAgent == "" {
		return unknown
	}
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])[:uaHashLen]
}

func dimensions(w, h int) string {
	if w <= 0 && h <= 0 {
		return "0x0"
	}
	return fmt.Sprintf("%dx%d", w, h)
}

func pixelRatio(dpr float64) string {
	if dpr <= 0 {
		return "0"
	}
	return strconv.FormatFloat(dpr, 'g', -1, 64)
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
