package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Sanitize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "my-project", want: "my-project"},
		{in: "My Project", want: "my-project"},
		{in: "  spaced  ", want: "spaced"},
		{in: "a/b\\c", want: "a-b-c"},
		{in: "UPPER_case-123", want: "upper_case-123"},
		{in: "über!!project", want: "ber-project"},
		{in: "../../etc", want: "etc"},
		{in: "---", wantErr: true},
		{in: "", wantErr: true},
		{in: "!!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Sanitize(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidProject)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func Test_Resolve_Explicit(t *testing.T) {
	dataDir := t.TempDir()
	r := NewResolver(dataDir)

	root, err := r.Resolve(context.Background(), "My Project")
	require.NoError(t, err)
	require.Equal(t, "my-project", root.Name)
	require.Equal(t, filepath.Join(dataDir, "my-project"), root.Dir)

	info, err := os.Stat(root.Dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func Test_Resolve_FailsClosedWithoutProject(t *testing.T) {
	r := NewResolver(t.TempDir())

	_, err := r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrProjectRequired)
}

func Test_Resolve_UsesContextCurrent(t *testing.T) {
	r := NewResolver(t.TempDir())

	ctx, err := r.SetCurrent(context.Background(), "alpha")
	require.NoError(t, err)

	root, err := r.Resolve(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "alpha", root.Name)

	// Explicit project always wins over the context value.
	root, err = r.Resolve(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, "beta", root.Name)
}

func Test_Resolve_CurrentIsContextScoped(t *testing.T) {
	r := NewResolver(t.TempDir())

	ctxA, err := r.SetCurrent(context.Background(), "alpha")
	require.NoError(t, err)
	ctxB, err := r.SetCurrent(context.Background(), "beta")
	require.NoError(t, err)

	rootA, err := r.Resolve(ctxA, "")
	require.NoError(t, err)
	rootB, err := r.Resolve(ctxB, "")
	require.NoError(t, err)

	require.Equal(t, "alpha", rootA.Name)
	require.Equal(t, "beta", rootB.Name)
}

func Test_Resolve_CachedUntilInvalidated(t *testing.T) {
	dataDir := t.TempDir()
	r := NewResolver(dataDir)

	root, err := r.Resolve(context.Background(), "alpha")
	require.NoError(t, err)

	// Remove the directory behind the cache's back; the cached resolution
	// still serves until the project is switched.
	require.NoError(t, os.RemoveAll(root.Dir))

	again, err := r.Resolve(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, root, again)
	_, statErr := os.Stat(again.Dir)
	require.True(t, os.IsNotExist(statErr))

	// Switching the current project invalidates, so resolving re-creates.
	_, err = r.SetCurrent(context.Background(), "alpha")
	require.NoError(t, err)

	fresh, err := r.Resolve(context.Background(), "alpha")
	require.NoError(t, err)
	info, err := os.Stat(fresh.Dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
