package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNegotiateFormatAcceptsAllowedFormat(t *testing.T) {
	got := negotiateFormat(1920, 1080, "NV12", 4032, 3024)
	want := StreamFormat{Width: 1920, Height: 1080, PixelFormat: "NV12", Adjusted: false}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("negotiateFormat() mismatch (-want +got):\n%s", diff)
	}
}

func TestNegotiateFormatRewritesUnknownPixelFormat(t *testing.T) {
	got := negotiateFormat(1920, 1080, "RGB24", 4032, 3024)
	if !got.Adjusted {
		t.Error("Adjusted = false, want true for an unsupported pixel format")
	}
	if got.PixelFormat != defaultPixelFormat {
		t.Errorf("PixelFormat = %q, want %q", got.PixelFormat, defaultPixelFormat)
	}
}

func TestNegotiateFormatClampsOversizedRequest(t *testing.T) {
	got := negotiateFormat(8000, 5000, "NV12", 4032, 3024)
	if !got.Adjusted {
		t.Error("Adjusted = false, want true for an out-of-range size")
	}
	if got.Width != maxWidth || got.Height != maxHeight {
		t.Errorf("got %dx%d, want %dx%d", got.Width, got.Height, maxWidth, maxHeight)
	}
}

func TestNegotiateFormatClampsUndersizedRequest(t *testing.T) {
	got := negotiateFormat(4, 4, "NV12", 4032, 3024)
	if got.Width != minWidth || got.Height != minHeight {
		t.Errorf("got %dx%d, want %dx%d", got.Width, got.Height, minWidth, minHeight)
	}
}

func TestNegotiateFormatDefaultsFromSensorAspectRatio(t *testing.T) {
	got := negotiateFormat(0, 0, "NV12", 4032, 3024)
	if !got.Adjusted {
		t.Error("Adjusted = false, want true when width/height are unspecified")
	}
	if got.Width != 1280 {
		t.Errorf("Width = %d, want 1280", got.Width)
	}
	wantHeight := 1280 * 3024 / 4032
	if got.Height != wantHeight {
		t.Errorf("Height = %d, want %d", got.Height, wantHeight)
	}
}

func TestPixelFormatCodeKnownAndUnknown(t *testing.T) {
	for name := range pixelFormatCodes {
		if _, err := pixelFormatCode(name); err != nil {
			t.Errorf("pixelFormatCode(%q): %v", name, err)
		}
	}
	if _, err := pixelFormatCode("bogus"); err == nil {
		t.Error("pixelFormatCode(bogus): want error, got nil")
	}
}

func TestAllowedPixelFormatsMatchesSpecSet(t *testing.T) {
	want := []string{"YUYV", "YVYU", "VYUY", "NV16", "NV61", "NV21", "NV12", "GREY"}
	if len(allowedPixelFormats) != len(want) {
		t.Fatalf("allowedPixelFormats has %d entries, want %d", len(allowedPixelFormats), len(want))
	}
	for _, name := range want {
		code, ok := pixelFormatCodes[name]
		if !ok {
			t.Errorf("pixelFormatCodes missing %q", name)
			continue
		}
		if !allowedPixelFormats[code] {
			t.Errorf("allowedPixelFormats missing code for %q", name)
		}
	}
}

func TestClamp(t *testing.T) {
	if got := clamp(10, 32, 100); got != 32 {
		t.Errorf("clamp(10, 32, 100) = %d, want 32", got)
	}
	if got := clamp(200, 32, 100); got != 100 {
		t.Errorf("clamp(200, 32, 100) = %d, want 100", got)
	}
	if got := clamp(50, 32, 100); got != 50 {
		t.Errorf("clamp(50, 32, 100) = %d, want 50", got)
	}
}

func TestSensorFormatSearchOrderTriesBayerOrdersHighBitDepthFirst(t *testing.T) {
	if len(sensorFormatSearchOrder) != 12 {
		t.Fatalf("len(sensorFormatSearchOrder) = %d, want 12", len(sensorFormatSearchOrder))
	}
	if sensorFormatSearchOrder[0] != mbusSBGGR12 {
		t.Errorf("first candidate = %#x, want SBGGR12 %#x", sensorFormatSearchOrder[0], mbusSBGGR12)
	}
	if sensorFormatSearchOrder[len(sensorFormatSearchOrder)-1] != mbusSRGGB8 {
		t.Errorf("last candidate = %#x, want SRGGB8 %#x", sensorFormatSearchOrder[len(sensorFormatSearchOrder)-1], mbusSRGGB8)
	}
}
