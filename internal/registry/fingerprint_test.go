package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeFingerprint(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already canonical", "AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF"},
		{"lowercase colons", "aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"dash separated", "aa-bb-cc-dd-ee-ff", "AA:BB:CC:DD:EE:FF"},
		{"bare hex", "aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{"surrounding whitespace", "  aa:bb:cc:dd:ee:ff\n", "AA:BB:CC:DD:EE:FF"},
		{"mixed case dashes", "Aa-bB-Cc-Dd-eE-Ff", "AA:BB:CC:DD:EE:FF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeFingerprint(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeFingerprintRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"too short", "aa:bb:cc:dd:ee"},
		{"too long", "aa:bb:cc:dd:ee:ff:00"},
		{"non-hex", "zz:bb:cc:dd:ee:ff"},
		{"eleven bare digits", "aabbccddeef"},
		{"thirteen bare digits", "aabbccddeeff0"},
		{"hostname", "office-pc-17"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeFingerprint(tt.in)
			require.ErrorIs(t, err, ErrInvalidFingerprint)
		})
	}
}
