// Package mods lists the contents of the server's Mods folder.
package mods

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

var ErrNoModsDir = errors.New("mods folder not found")

const modInfoFile = "modinfo.json"

// Info is the subset of a mod's modinfo.json shown in listings.
type Info struct {
	Name    string `json:"name"`
	ModID   string `json:"modid"`
	Version string `json:"version"`
}

// Mod is one regular file in the Mods folder.
type Mod struct {
	File    string    `json:"file"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// Info is filled for zip archives that carry a readable modinfo.json.
	Info *Info `json:"info,omitempty"`
}

// List returns the files directly inside dir, sorted case-insensitively.
func List(dir string) ([]Mod, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoModsDir, dir)
		}
		return nil, err
	}
	out := make([]Mod, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		m := Mod{File: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()}
		if strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			m.Info = readZipInfo(filepath.Join(dir, e.Name()))
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Mod) int {
		return strings.Compare(strings.ToLower(a.File), strings.ToLower(b.File))
	})
	return out, nil
}

func readZipInfo(path string) *Info {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil
	}
	defer func() { _ = zr.Close() }()
	for _, f := range zr.File {
		if !strings.EqualFold(f.Name, modInfoFile) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil
		}
		b, err := io.ReadAll(io.LimitReader(rc, 1<<20))
		_ = rc.Close()
		if err != nil {
			return nil
		}
		var info Info
		if err := json.Unmarshal(b, &info); err != nil {
			return nil
		}
		return &info
	}
	return nil
}
