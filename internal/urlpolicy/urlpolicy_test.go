package urlpolicy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowed(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want bool
	}{
		{"valid https", "https://example.test/watch?v=abc", true},
		{"valid http", "http://example.test/watch?v=abc", true},
		{"localhost", "http://localhost/x", false},
		{"loopback", "http://127.0.0.1/x", false},
		{"rfc1918 10", "http://10.0.0.5/x", false},
		{"rfc1918 192.168", "http://192.168.1.1/x", false},
		{"rfc1918 172.16-31", "http://172.20.0.1/x", false},
		{"rfc1918 172 out of range", "http://172.40.0.1/x", true},
		{"zero addr", "http://0.0.0.0/x", false},
		{"ipv6 loopback", "http://[::1]/x", false},
		{"bad scheme", "ftp://example.test/x", false},
		{"file scheme", "file:///etc/passwd", false},
		{"empty host", "http:///x", false},
		{"not absolute", "/just/a/path", false},
		{"garbage", "://not a url", false},
		{"empty string", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Allowed(tc.url))
		})
	}
}

func TestAllowedLengthCap(t *testing.T) {
	long := "https://example.test/" + strings.Repeat("a", 2048)
	assert.False(t, Allowed(long))
}

func TestAllowedDeterministic(t *testing.T) {
	u := "https://example.test/watch?v=abc"
	for i := 0; i < 5; i++ {
		assert.True(t, Allowed(u))
	}
}
