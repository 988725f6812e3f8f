// Package archive preserves finished experiments before they are deleted.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/resultns"
)

// Archiver copies a record and its result artifacts somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, rec *experiment.Record, resultDir string) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Archive(context.Context, *experiment.Record, string) error { return nil }

// entryPrefix is the per-record location inside an archive:
// <owner-slug>/<id>.
func entryPrefix(rec *experiment.Record) string {
	return resultns.OwnerSlug(rec.Owner) + "/" + rec.ID
}

func encodeRecord(rec *experiment.Record) ([]byte, error) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(b, '\n'), nil
}

// walkArtifacts calls fn for every regular file under dir with its path
// relative to dir (slash separated). A missing dir yields nothing.
func walkArtifacts(ctx context.Context, dir string, fn func(rel, path string, info fs.FileInfo) error) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), path, info)
	})
}
