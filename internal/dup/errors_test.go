package dup_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want dup.ErrorKind
	}{
		{"nil", nil, dup.KindUnknown},
		{"plain", errors.New("x"), dup.KindUnknown},
		{"classified", &dup.Error{Kind: dup.KindBlocksMissing, Msg: "gone"}, dup.KindBlocksMissing},
		{"wrapped", fmt.Errorf("restore: %w", &dup.Error{Kind: dup.KindDatabaseMissing}), dup.KindDatabaseMissing},
		{"folder sentinel", fmt.Errorf("list: %w", dup.ErrFolderMissing), dup.KindFolderMissing},
		{"consistency", fmt.Errorf("verify: %w", &dup.ConsistencyError{Missing: []string{"a"}}), dup.KindConsistencyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, dup.KindOf(tt.err))
		})
	}
}

func TestError(t *testing.T) {
	inner := errors.New("disk full")
	err := fmt.Errorf("backup: %w", &dup.Error{Kind: dup.KindContentVerificationFailed, Msg: "volume x", Err: inner})

	require.ErrorIs(t, err, inner)
	require.ErrorIs(t, err, &dup.Error{Kind: dup.KindContentVerificationFailed})
	require.NotErrorIs(t, err, &dup.Error{Kind: dup.KindBlocksMissing})
	require.EqualError(t, err, "backup: volume x: disk full")
	require.Equal(t, "ContentVerificationFailed", dup.KindContentVerificationFailed.String())
}

func TestConsistencyError(t *testing.T) {
	err := &dup.ConsistencyError{Extra: []string{"a", "b"}, Unfinished: []string{"c"}}
	require.Equal(t, "remote listing does not match the local database: 2 extra remote files, 1 unfinished remote files", err.Error())
}
