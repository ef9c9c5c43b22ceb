// Command tiervfsd mounts and serves a tiered filesystem: small files stay
// resident on SSD, large ones migrate to an object store as deduplicated,
// optionally compressed segments.
package main

import (
	"os"

	"github.com/javi11/tiervfs/cmd/tiervfsd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
