package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldIntercept(t *testing.T) {
	e := New("list", []string{" Example.COM ", "", "*.wiremock.org", "bücher.example."})
	tests := []struct {
		target string
		want   bool
	}{
		{"example.com:443", true},
		{"api.example.com:443", true},
		{"EXAMPLE.com.", true},
		{"notexample.com:443", false},
		{"wiremock.org:443", false},
		{"docs.wiremock.org:443", true},
		{"xn--bcher-kva.example:443", true},
		{"[::1]:443", false},
		{"other.test", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, e.ShouldIntercept(tt.target), tt.target)
	}
}

func TestModes(t *testing.T) {
	require.True(t, New("all", nil).ShouldIntercept("anything.test:443"))
	require.False(t, New("list", nil).ShouldIntercept("anything.test:443"))
	require.False(t, New("bogus", []string{"anything.test"}).ShouldIntercept("anything.test:443"))
}

func TestHost(t *testing.T) {
	require.Equal(t, "example.com", Host("Example.com:8443"))
	require.Equal(t, "example.com", Host("example.com"))
	require.Equal(t, "::1", Host("[::1]:443"))
}
