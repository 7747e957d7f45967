// Package backup enforces retention limits on the server's backup directory.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Limits bounds the backup directory. Zero disables a limit.
type Limits struct {
	MaxFiles int
	MaxBytes int64
	// ReserveSlot keeps the file count strictly below MaxFiles so the backup
	// about to be written still fits.
	ReserveSlot bool
}

func (l Limits) enabled() bool { return l.MaxFiles > 0 || l.MaxBytes > 0 }

// Report describes one enforcement pass.
type Report struct {
	Deleted      []string `json:"deleted"`
	DeletedBytes int64    `json:"deleted_bytes"`
	// Failed names the file whose deletion failed; the pass stopped there.
	Failed         string `json:"failed,omitempty"`
	Remaining      int    `json:"remaining"`
	RemainingBytes int64  `json:"remaining_bytes"`
}

// File is one entry of the backup directory.
type File struct {
	Path     string
	Name     string
	Size     int64
	Created  time.Time
	Modified time.Time
}

type Enforcer struct {
	log    *slog.Logger
	remove func(string) error
}

func NewEnforcer(l *slog.Logger) *Enforcer {
	if l == nil {
		l = slog.Default()
	}
	return &Enforcer{log: l.With("component", "retention"), remove: os.Remove}
}

// List returns the regular files directly inside dir, oldest first.
func List(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			Path:     p,
			Name:     e.Name(),
			Size:     info.Size(),
			Created:  creationTime(p, info),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		if !a.Modified.Equal(b.Modified) {
			return a.Modified.Before(b.Modified)
		}
		return a.Name < b.Name
	})
	return files, nil
}

// Enforce deletes the oldest files in dir until limits hold. The newest file
// is never deleted. A failed delete ends the pass without an error.
func (e *Enforcer) Enforce(dir string, limits Limits) (Report, error) {
	var rep Report
	if !limits.enabled() || dir == "" {
		return rep, nil
	}
	files, err := List(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rep, nil
		}
		return rep, fmt.Errorf("list backups in %s: %w", dir, err)
	}
	if len(files) == 0 {
		return rep, nil
	}
	newest := files[len(files)-1].Path
	var total int64
	for _, f := range files {
		total += f.Size
	}

	// deleteOldest removes files[0]; false ends the pass.
	deleteOldest := func() bool {
		oldest := files[0]
		if oldest.Path == newest {
			return false
		}
		if err := e.remove(oldest.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.log.Warn("backup delete failed", "file", oldest.Path, "err", err)
			rep.Failed = oldest.Path
			return false
		}
		e.log.Info("backup pruned", "file", oldest.Name, "size", oldest.Size)
		rep.Deleted = append(rep.Deleted, oldest.Path)
		rep.DeletedBytes += oldest.Size
		total -= oldest.Size
		files = files[1:]
		return true
	}

	if limits.MaxFiles > 0 {
		over := func() bool {
			if limits.ReserveSlot {
				return len(files) >= limits.MaxFiles
			}
			return len(files) > limits.MaxFiles
		}
		for over() && len(files) > 1 {
			if !deleteOldest() {
				break
			}
		}
	}
	if limits.MaxBytes > 0 && rep.Failed == "" {
		for total > limits.MaxBytes && len(files) > 1 {
			if !deleteOldest() {
				break
			}
		}
	}

	rep.Remaining = len(files)
	rep.RemainingBytes = total
	return rep, nil
}
