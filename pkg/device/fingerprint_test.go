package device

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	uaMacChrome    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaWindowsEdge  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"
	uaIPhoneSafari = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"
	uaPixelChrome  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	uaLinuxFirefox = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		ua                string
		name, browser, os string
	}{
		{uaMacChrome, "Mac", "Chrome", "macOS 10"},
		{uaWindowsEdge, "Windows PC", "Edge", "Windows 10"},
		{uaIPhoneSafari, "iPhone", "Safari", "iOS 17"},
		{uaPixelChrome, "Google Pixel", "Chrome", "Android 14"},
		{uaLinuxFirefox, "Linux PC", "Firefox", "Linux"},
		{"", UnknownDevice, "", ""},
	}
	for _, tt := range tests {
		d := ParseUserAgent(tt.ua)
		assert.Equal(t, tt.name, d.Name, tt.ua)
		assert.Equal(t, tt.browser, d.Browser, tt.ua)
		assert.Equal(t, tt.os, d.OperatingSystem, tt.ua)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:52311"
	assert.Equal(t, "192.0.2.10", ClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestDescriptorFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:52311"
	r.Header.Set("User-Agent", uaMacChrome)

	d := DescriptorFromRequest(r)
	assert.Equal(t, "Mac", d.Name)
	assert.Equal(t, "Chrome", d.Browser)
	assert.Equal(t, "192.0.2.10", d.IPAddress)
}
