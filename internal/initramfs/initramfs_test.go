package initramfs_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/nanvix/microvm/internal/initramfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readArchive(t *testing.T, r io.Reader) map[string]*cpio.Header {
	t.Helper()

	entries := make(map[string]*cpio.Header)

	cr := cpio.NewReader(r)
	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		entries[hdr.Name] = hdr
	}

	return entries
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sbin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sbin", "init"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "banner.txt"), []byte("welcome"), 0o644))
	require.NoError(t, os.Symlink("sbin/init", filepath.Join(dir, "init")))

	var archive bytes.Buffer
	require.NoError(t, initramfs.Build(&archive, dir))

	entries := readArchive(t, &archive)

	require.Contains(t, entries, "sbin")
	assert.True(t, entries["sbin"].Mode&cpio.TypeDir != 0)

	require.Contains(t, entries, "sbin/init")
	assert.EqualValues(t, 10, entries["sbin/init"].Size)

	require.Contains(t, entries, "banner.txt")
	require.Contains(t, entries, "init")
	assert.True(t, entries["init"].Mode&cpio.TypeSymlink != 0)
	assert.EqualValues(t, "sbin/init", entries["init"].Linkname)
}

func TestBuildContents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte{1, 2, 3, 4}, 0o644))

	var archive bytes.Buffer
	require.NoError(t, initramfs.Build(&archive, dir))

	cr := cpio.NewReader(&archive)
	hdr, err := cr.Next()
	require.NoError(t, err)
	assert.Equal(t, "data.bin", hdr.Name)

	body, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, body)
}

func TestBuildFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello"), []byte("hi"), 0o644))

	path, err := initramfs.BuildFile(dir)
	require.NoError(t, err)
	defer os.Remove(path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	entries := readArchive(t, f)
	assert.Contains(t, entries, "hello")
}

func TestBuildMissingDir(t *testing.T) {
	var archive bytes.Buffer
	require.Error(t, initramfs.Build(&archive, filepath.Join(t.TempDir(), "nope")))
}
