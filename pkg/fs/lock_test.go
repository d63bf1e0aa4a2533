package fs_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicexlab/atomicdisk-go/pkg/fs"
)

func Test_Locker_Lock_Creates_Missing_Parent_Directories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "x.lock")

	locker := fs.NewLocker(fs.NewReal())

	lk, err := locker.Lock(path)
	require.NoError(t, err)
	require.NoError(t, lk.Close())
}

func Test_Locker_TryLock_Fails_When_Already_Held(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.lock")

	locker := fs.NewLocker(fs.NewReal())

	first, err := locker.TryLock(path)
	require.NoError(t, err)

	_, err = locker.TryLock(path)
	require.ErrorIs(t, err, fs.ErrWouldBlock)

	require.NoError(t, first.Close())

	second, err := locker.TryLock(path)
	require.NoError(t, err, "lock must be acquirable again once released")
	require.NoError(t, second.Close())
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.lock")

	locker := fs.NewLocker(fs.NewReal())

	lk, err := locker.Lock(path)
	require.NoError(t, err)

	require.NoError(t, lk.Close())
	require.NoError(t, lk.Close())
}
