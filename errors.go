package vexfs

import (
	"errors"
	"fmt"

	"github.com/lspecian/vexfs/inode"
	"github.com/lspecian/vexfs/object"
)

var (
	// ErrNotMounted is returned for operations on a closed engine.
	ErrNotMounted = errors.New("volume not mounted")

	// ErrNotFound is returned when a name or id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when adding a name that already exists.
	ErrExists = errors.New("already exists")

	// ErrVolumeDamaged is returned when mounting a volume whose superblock
	// records unrepaired damage. Run the checker first.
	ErrVolumeDamaged = errors.New("volume marked damaged, run fsck")
)

// translateError maps internal-layer errors onto the package sentinels so
// callers only match against the surface here.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, object.ErrNotFound), errors.Is(err, inode.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case errors.Is(err, object.ErrExists):
		return fmt.Errorf("%w: %s", ErrExists, err)
	default:
		return err
	}
}
