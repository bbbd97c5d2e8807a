package device

import (
	"net"
	"net/http"
	"strings"

	"github.com/tendant/devicetrust/pkg/model"
)

const UnknownDevice = "Unknown Device"

// DescriptorFromRequest derives a device descriptor from the User-Agent and the
// client address of r.
func DescriptorFromRequest(r *http.Request) model.DeviceDescriptor {
	desc := ParseUserAgent(r.UserAgent())
	desc.IPAddress = ClientIP(r)
	return desc
}

// ParseUserAgent fills name, browser and operating system from a User-Agent string.
func ParseUserAgent(userAgent string) model.DeviceDescriptor {
	return model.DeviceDescriptor{
		Name:            determineDeviceName(userAgent),
		Browser:         determineBrowser(userAgent),
		OperatingSystem: determineOperatingSystem(userAgent),
	}
}

// ClientIP extracts the client IP address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, the first is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func determineDeviceName(userAgent string) string {
	if userAgent == "" {
		return UnknownDevice
	}

	// Check for common mobile devices
	switch {
	case contains(userAgent, "iPhone"):
		return "iPhone"
	case contains(userAgent, "iPad"):
		return "iPad"
	case contains(userAgent, "Android") && contains(userAgent, "Pixel"):
		return "Google Pixel"
	case contains(userAgent, "Android") && (contains(userAgent, "Samsung") || contains(userAgent, "SM-")):
		return "Samsung Phone"
	case contains(userAgent, "Android") && contains(userAgent, "Mobile"):
		return "Android Phone"
	case contains(userAgent, "Android"):
		return "Android Tablet"
	}

	// Desktop operating systems
	switch {
	case contains(userAgent, "CrOS"):
		return "Chromebook"
	case contains(userAgent, "Macintosh") || contains(userAgent, "Mac OS X"):
		return "Mac"
	case contains(userAgent, "Windows"):
		return "Windows PC"
	case contains(userAgent, "Linux"):
		return "Linux PC"
	}

	return UnknownDevice
}

// determineBrowser checks tokens in an order where Edge and Opera win over
// Chrome, and Chrome wins over Safari, since their User-Agents embed each other.
func determineBrowser(userAgent string) string {
	switch {
	case userAgent == "":
		return ""
	case contains(userAgent, "Edg/") || contains(userAgent, "Edge/"):
		return "Edge"
	case contains(userAgent, "OPR/") || contains(userAgent, "Opera"):
		return "Opera"
	case contains(userAgent, "Firefox/") || contains(userAgent, "FxiOS/"):
		return "Firefox"
	case contains(userAgent, "Chrome/") || contains(userAgent, "CriOS/"):
		return "Chrome"
	case contains(userAgent, "Safari/"):
		return "Safari"
	default:
		return ""
	}
}

// determineOperatingSystem returns "<family> <version>" when a version is known.
func determineOperatingSystem(userAgent string) string {
	switch {
	case userAgent == "":
		return ""
	case contains(userAgent, "Windows NT 10.0"):
		return "Windows 10"
	case contains(userAgent, "Windows"):
		return "Windows"
	case contains(userAgent, "iPhone OS") || contains(userAgent, "iPad"):
		return withVersion("iOS", versionAfter(userAgent, "OS "))
	case contains(userAgent, "Mac OS X"):
		return withVersion("macOS", versionAfter(userAgent, "Mac OS X "))
	case contains(userAgent, "Android"):
		return withVersion("Android", versionAfter(userAgent, "Android "))
	case contains(userAgent, "CrOS"):
		return "ChromeOS"
	case contains(userAgent, "Linux"):
		return "Linux"
	default:
		return ""
	}
}

// versionAfter returns the major version number following marker.
func versionAfter(userAgent, marker string) string {
	i := strings.Index(userAgent, marker)
	if i < 0 {
		return ""
	}
	rest := userAgent[i+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	return rest[:end]
}

func withVersion(family, version string) string {
	if version == "" {
		return family
	}
	return family + " " + version
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
