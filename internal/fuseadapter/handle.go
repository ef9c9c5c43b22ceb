package fuseadapter

import (
	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/javi11/tiervfs/internal/tiervfs"
)

var _ fs.FileHandle = (*Handle)(nil)

// Handle adapts a tiervfs.Handle to the go-fuse fs.FileHandle marker
// interface; all actual dispatch happens on the owning Node.
type Handle struct {
	core   *tiervfs.Core
	handle tiervfs.Handle
	path   string
}
