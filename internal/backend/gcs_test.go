package backend

import (
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/storage"

	"dup-go/internal/dup"
)

func TestWrapGCSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing bucket", fmt.Errorf("attrs: %w", storage.ErrBucketNotExist), dup.ErrFolderMissing},
		{"missing object", storage.ErrObjectNotExist, dup.ErrFileNotFound},
		{"other", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapGCSError("gcs", "dup-b.zip", tt.err)
			if tt.want != nil && !errors.Is(got, tt.want) {
				t.Errorf("wrapGCSError() = %v, want %v", got, tt.want)
			}
			if !errors.Is(got, tt.err) && tt.want == nil {
				t.Errorf("wrapGCSError() = %v, does not wrap %v", got, tt.err)
			}
		})
	}
}
