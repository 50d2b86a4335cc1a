package dup_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
)

func TestOptions_Validate(t *testing.T) {
	require.NoError(t, dup.DefaultOptions().Validate())

	tests := []struct {
		name   string
		modify func(o *dup.Options)
		want   dup.ErrorKind
	}{
		{"prefix with dash", func(o *dup.Options) { o.Prefix = "a-b" }, dup.KindInvalidConfiguration},
		{"unknown block hash", func(o *dup.Options) { o.BlockHashAlgorithm = "crc1" }, dup.KindInvalidHashAlgorithm},
		{"unknown file hash", func(o *dup.Options) { o.FileHashAlgorithm = "crc1" }, dup.KindInvalidHashAlgorithm},
		{"unknown compression", func(o *dup.Options) { o.CompressionModule = "rar" }, dup.KindInvalidConfiguration},
		{"blocksize below two hashes", func(o *dup.Options) { o.Blocksize = 40 }, dup.KindInvalidConfiguration},
		{"volume too small", func(o *dup.Options) { o.VolumeSize = 2 * o.Blocksize }, dup.KindInvalidConfiguration},
		{"threshold above 100", func(o *dup.Options) { o.Threshold = 101 }, dup.KindInvalidConfiguration},
		{"negative retention", func(o *dup.Options) { o.KeepVersions = -1 }, dup.KindInvalidConfiguration},
		{"no upload slots", func(o *dup.Options) { o.AsynchronousUploadLimit = 0 }, dup.KindInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := dup.DefaultOptions()
			tt.modify(o)
			require.Equal(t, tt.want, dup.KindOf(o.Validate()))
		})
	}
}
