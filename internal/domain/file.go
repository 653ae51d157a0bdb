package domain

import (
	"fmt"
	"time"
)

// FileIdentity identifies a physical file independent of its path.
// Device and Inode decide equality; Path is where the file was last seen.
type FileIdentity struct {
	Device uint64
	Inode  uint64
	Path   string
}

// Key returns the stable map/store key for the identity
func (id FileIdentity) Key() string {
	return fmt.Sprintf("%d:%d", id.Device, id.Inode)
}

// SameFile reports whether both identities point to the same physical file
func (id FileIdentity) SameFile(other FileIdentity) bool {
	return id.Device == other.Device && id.Inode == other.Inode
}

func (id FileIdentity) String() string {
	return fmt.Sprintf("%s (%s)", id.Path, id.Key())
}

// FileState is the read position of one tracked file
type FileState struct {
	Identity FileIdentity
	Offset   int64     // Byte offset of the next unread byte
	LastRead time.Time // When the offset was last advanced
}

// TailerPayload is the unit a Tailer hands to the shared channel.
// Offset is the byte offset just past the last record in Records.
type TailerPayload struct {
	Identity FileIdentity
	Records  [][]byte
	Offset   int64
}

// Size returns the number of raw bytes carried by the payload
func (p *TailerPayload) Size() int {
	n := 0
	for _, r := range p.Records {
		n += len(r)
	}
	return n
}
