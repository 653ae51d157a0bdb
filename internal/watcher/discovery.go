package watcher

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// Discovered is a file found by a discovery pass
type Discovered struct {
	Identity domain.FileIdentity
	Size     int64
}

// Identify returns the identity of the file at path.
// Filesystems without inode information (in-memory ones) get an identity
// derived from the path, which makes renames look like new files.
func Identify(fs afero.Fs, path string) (Discovered, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return Discovered{}, err
	}
	return identityOf(path, info), nil
}

func identityOf(path string, info os.FileInfo) Discovered {
	dev, ino, ok := sysIdentity(info)
	if !ok {
		sum := blake3.Sum256([]byte(path))
		ino = binary.BigEndian.Uint64(sum[:8])
	}
	return Discovered{
		Identity: domain.FileIdentity{Device: dev, Inode: ino, Path: path},
		Size:     info.Size(),
	}
}

// matches reports whether a file name is included by the patterns
func matches(name string, patterns []string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// discover lists matching regular files under root, sorted by path.
// Only a failure to list root itself is returned; unreadable entries
// below it are skipped.
func discover(fs afero.Fs, root string, recursive bool, patterns []string) ([]Discovered, error) {
	var found []Discovered

	if !recursive {
		entries, err := afero.ReadDir(fs, root)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", root, err)
		}
		for _, info := range entries {
			if !info.Mode().IsRegular() || !matches(info.Name(), patterns) {
				continue
			}
			found = append(found, identityOf(filepath.Join(root, info.Name()), info))
		}
		return found, nil
	}

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			log.Warn().Err(err).Str("path", path).Msg("Skipping inaccessible path")
			return nil
		}

		if info.IsDir() {
			if path != root && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() && matches(info.Name(), patterns) {
			found = append(found, identityOf(path, info))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Identity.Path < found[j].Identity.Path
	})
	return found, nil
}
