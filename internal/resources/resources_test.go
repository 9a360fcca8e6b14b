package resources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/devloop/devloop/internal/platform"
	"github.com/devloop/devloop/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareCopiesFilesByteForByte(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "empty file", content: ""},
		{name: "text", content: "hello native module\n"},
		{name: "binary", content: string([]byte{0x00, 0xff, 0x7f, 0x0a, 0x00})},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			from := testutil.WriteFile(t, dir, "node_modules/better-sqlite3/build/Release/better_sqlite3.node", tt.content)
			to := filepath.Join(dir, "app", "build", "Release", "better_sqlite3.node")

			preparer := New(Options{Platform: platform.Linux})
			require.NoError(t, preparer.Prepare(context.Background(), []CopySpec{{From: from, To: to}}))

			testutil.AssertFileContent(t, to, tt.content)
		})
	}
}

func TestPrepareCopiesDirectoryTreesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteFile(t, dir, "bin/darwin/helper", "#!/bin/sh\necho darwin\n")
	testutil.WriteFile(t, dir, "bin/linux/helper", "#!/bin/sh\necho linux\n")
	testutil.WriteFile(t, dir, "bin/linux/nested/data.txt", "")

	specs := []CopySpec{{From: filepath.Join(dir, "bin"), To: filepath.Join(dir, "app", "bin")}}
	preparer := New(Options{Platform: platform.Windows})

	for i := 0; i < 2; i++ {
		require.NoError(t, preparer.Prepare(context.Background(), specs))
	}

	testutil.AssertFileContent(t, filepath.Join(dir, "app", "bin", "darwin", "helper"), "#!/bin/sh\necho darwin\n")
	testutil.AssertFileContent(t, filepath.Join(dir, "app", "bin", "linux", "helper"), "#!/bin/sh\necho linux\n")
	testutil.AssertFileContent(t, filepath.Join(dir, "app", "bin", "linux", "nested", "data.txt"), "")
}

func TestPrepareMarksExecutablesOnPOSIXOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not observable on windows")
	}
	t.Parallel()

	tests := []struct {
		name     string
		platform platform.Tag
		wantExec bool
	}{
		{name: "linux", platform: platform.Linux, wantExec: true},
		{name: "darwin", platform: platform.Darwin, wantExec: true},
		{name: "windows", platform: platform.Windows, wantExec: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			binary := testutil.WriteFile(t, dir, "bin/"+string(tt.platform)+"/N_m3u8DL-CLI", "binary")
			preparer := New(Options{Platform: tt.platform, Executables: []string{filepath.Dir(binary)}})

			require.NoError(t, preparer.Prepare(context.Background(), nil))

			info, err := os.Stat(binary)
			require.NoError(t, err)
			assert.Equal(t, tt.wantExec, info.Mode().Perm()&0o100 != 0, "mode = %v", info.Mode())
		})
	}
}

func TestPrepareMissingSourceReturnsResourceError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	preparer := New(Options{Platform: platform.Linux})

	err := preparer.Prepare(context.Background(), []CopySpec{{
		From: filepath.Join(dir, "missing.node"),
		To:   filepath.Join(dir, "out", "missing.node"),
	}})

	var resourceErr *ResourceError
	require.ErrorAs(t, err, &resourceErr)
	assert.Equal(t, "stat", resourceErr.Op)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	testutil.AssertFileNotExists(t, filepath.Join(dir, "out"))
}

func TestPrepareMissingExecutableReturnsResourceError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	preparer := New(Options{Platform: platform.Darwin, Executables: []string{filepath.Join(dir, "bin", "darwin")}})

	err := preparer.Prepare(context.Background(), nil)

	var resourceErr *ResourceError
	require.ErrorAs(t, err, &resourceErr)
	assert.Contains(t, err.Error(), "bin")
}

func TestPrepareRejectsIncompleteSpec(t *testing.T) {
	t.Parallel()

	err := New(Options{}).Prepare(context.Background(), []CopySpec{{From: "only-from"}})
	var resourceErr *ResourceError
	require.ErrorAs(t, err, &resourceErr)
	assert.Equal(t, "validate", resourceErr.Op)
}
