package fingerprint

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sightline/sightline/pkg/types"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestGenerate_Deterministic(t *testing.T) {
	signals := types.BrowserSignals{
		ScreenWidth:      1920,
		ScreenHeight:     1080,
		ViewportWidth:    1200,
		ViewportHeight:   800,
		Timezone:         "Europe/Berlin",
		Language:         "de-DE",
		DevicePixelRatio: 2,
	}

	first := Generate(signals, chromeUA)
	for i := 0; i < 10; i++ {
		if got := Generate(signals, chromeUA); got != first {
			t.Fatalf("fingerprint not deterministic: %q vs %q", got, first)
		}
	}

	if !strings.HasPrefix(first, "fp-") {
		t.Errorf("fingerprint %q missing fp- prefix", first)
	}
	if len(first) != len("fp-")+24 {
		t.Errorf("fingerprint %q has unexpected length %d", first, len(first))
	}
}

func TestGenerate_DistinguishesSignals(t *testing.T) {
	base := types.BrowserSignals{
		ScreenWidth: 1920, ScreenHeight: 1080,
		Timezone: "UTC", Language: "en-US", DevicePixelRatio: 1,
	}
	other := base
	other.ScreenWidth = 1366
	other.ScreenHeight = 768

	if Generate(base, chromeUA) == Generate(other, chromeUA) {
		t.Error("different screen resolutions produced the same fingerprint")
	}

	if Generate(base, chromeUA) == Generate(base, "") {
		t.Error("different user agents produced the same fingerprint")
	}
}

func TestGenerate_MissingSignals(t *testing.T) {
	// Empty signals must produce a valid fingerprint, not fail.
	got := Generate(types.BrowserSignals{}, "")
	if !strings.HasPrefix(got, "fp-") {
		t.Errorf("fingerprint %q missing fp- prefix", got)
	}

	// And it must still be deterministic.
	if Generate(types.BrowserSignals{}, "") != got {
		t.Error("empty-signal fingerprint not deterministic")
	}
}

func TestPlatform(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		expected  string
	}{
		{"windows desktop", chromeUA, "windows"},
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)", "ios"},
		{"ipad", "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)", "ios"},
		{"mac", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)", "macos"},
		{"android", "Mozilla/5.0 (Linux; Android 14; Pixel 8)", "android"},
		{"linux", "Mozilla/5.0 (X11; Linux x86_64)", "linux"},
		{"empty", "", "unknown"},
		{"bot", "curl/8.0", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Platform(tt.userAgent); got != tt.expected {
				t.Errorf("Platform(%q) = %q, want %q", tt.userAgent, got, tt.expected)
			}
		})
	}
}

// TestProperty_FingerprintDeterminism validates that for any combination of
// input signals the generator is a pure function of its inputs.
func TestProperty_FingerprintDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs yield identical fingerprints", prop.ForAll(
		func(w, h int, tz, lang, ua string, dpr float64) bool {
			signals := types.BrowserSignals{
				ScreenWidth:      w,
				ScreenHeight:     h,
				Timezone:         tz,
				Language:         lang,
				DevicePixelRatio: dpr,
			}
			return Generate(signals, ua) == Generate(signals, ua)
		},
		gen.IntRange(0, 8192),
		gen.IntRange(0, 8192),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AnyString(),
		gen.Float64Range(0, 4),
	))

	properties.TestingRun(t)
}
