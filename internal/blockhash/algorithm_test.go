package blockhash

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"sha256", "sha512", "xxh3"} {
		t.Run(name, func(t *testing.T) {
			alg, err := Lookup(name)
			require.NoError(t, err)
			require.Equal(t, name, alg.Name)
			require.Positive(t, alg.Size)
		})
	}

	t.Run("rejects unknown names", func(t *testing.T) {
		_, err := Lookup("md7")
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrUnknownAlgorithm))
	})
}

func TestFileNameRoundTrip(t *testing.T) {
	alg, err := Lookup("sha256")
	require.NoError(t, err)

	h := alg.Sum([]byte("some block"))
	name, err := FileName(h)
	require.NoError(t, err)
	require.NotContains(t, name, "/")

	back, err := FromFileName(name)
	require.NoError(t, err)
	require.Equal(t, h, back)
}

func TestBlocklistJoinSplit(t *testing.T) {
	alg, err := Lookup("sha256")
	require.NoError(t, err)

	hashes := []string{alg.Sum([]byte("a")), alg.Sum([]byte("b")), alg.Sum([]byte("c"))}
	payload, err := JoinBlocklist(hashes)
	require.NoError(t, err)
	require.Len(t, payload, 3*alg.Size)

	got, err := SplitBlocklist(payload, alg.Size)
	require.NoError(t, err)
	require.Equal(t, hashes, got)

	_, err = SplitBlocklist(payload[:10], alg.Size)
	require.Error(t, err)
}
