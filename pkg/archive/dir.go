package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// DirArchiver copies archives into a local directory:
//
//	<root>/<owner-slug>/<id>/record.json
//	<root>/<owner-slug>/<id>/results/...
type DirArchiver struct {
	Root string
}

func (a *DirArchiver) Archive(ctx context.Context, rec *experiment.Record, resultDir string) error {
	if a.Root == "" {
		return fmt.Errorf("archive dir is not configured")
	}
	dest := filepath.Join(a.Root, filepath.FromSlash(entryPrefix(rec)))
	// #nosec G301 -- archive directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	// #nosec G306 -- archived records are not secret
	if err := os.WriteFile(filepath.Join(dest, "record.json"), b, 0644); err != nil {
		return fmt.Errorf("write archived record: %w", err)
	}

	return walkArtifacts(ctx, resultDir, func(rel, path string, info fs.FileInfo) error {
		return copyFile(path, filepath.Join(dest, "results", filepath.FromSlash(rel)), info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	// #nosec G301 -- archive directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	// #nosec G304 -- src comes from walking the result session directory
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
