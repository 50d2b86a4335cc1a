package compression

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModuleRoundTrip(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			m, err := Lookup(name)
			require.NoError(t, err)

			text := bytes.Repeat([]byte("compress me "), 200)
			random := []byte{0x01, 0x9f, 0x33, 0xc0, 0x42}

			var buf bytes.Buffer
			w := m.NewWriter(&buf)
			require.NoError(t, w.WriteEntry("text", text, Compressible))
			require.NoError(t, w.WriteEntry("random", random, Noncompressible))
			require.NoError(t, w.Close())

			r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
			require.NoError(t, err)
			require.Equal(t, []string{"text", "random"}, r.Names())

			got, err := r.ReadFile("text")
			require.NoError(t, err)
			require.Equal(t, text, got)

			size, err := r.Size("random")
			require.NoError(t, err)
			require.Equal(t, int64(len(random)), size)

			_, err = r.ReadFile("missing")
			require.True(t, errors.Is(err, ErrEntryNotFound))
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("rar")
	require.Error(t, err)
}

func TestHintForPath(t *testing.T) {
	tests := []struct {
		path string
		want Hint
	}{
		{"/photos/IMG_001.JPG", Noncompressible},
		{"/src/main.go", Default},
		{"/archive.tar.gz", Noncompressible},
		{"README", Default},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			require.Equal(t, tt.want, HintForPath(tt.path))
		})
	}
}
