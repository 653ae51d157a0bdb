//go:build !unix

package watcher

import "os"

func sysIdentity(info os.FileInfo) (dev, ino uint64, ok bool) {
	return 0, 0, false
}
