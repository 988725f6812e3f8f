// Package resultns isolates generated artifact files per owner and per run.
//
// Layout:
//
//	<root>/<owner-slug>/<template-stem>_<session-ksuid>/...
//
// The external runner is started with the session directory as its working
// directory, so two runs never write into the same place even when the same
// owner runs the same template concurrently.
package resultns

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/segmentio/ksuid"
)

// ArtifactPattern matches the result files produced by the runner.
const ArtifactPattern = "**/*.{json,csv}"

const maxSlugLen = 64

// Manager hands out per-owner result directories under a root.
type Manager struct {
	root string
}

func New(root string) *Manager {
	return &Manager{root: strings.TrimSpace(root)}
}

func (m *Manager) Root() string {
	return m.root
}

// OwnerSlug maps an owner to a single safe path element.
//
// Owners made of lowercase letters, digits, '.', '_' and '-' are used as is.
// Anything else (including names that start with the reserved "u-" prefix)
// becomes "u-" plus a sha256 prefix, so two owners never share a slug, even
// on case-insensitive filesystems.
func OwnerSlug(owner string) string {
	owner = strings.TrimSpace(owner)
	if safeSlug(owner) && !strings.HasPrefix(owner, "u-") {
		return owner
	}
	sum := sha256.Sum256([]byte(owner))
	return "u-" + hex.EncodeToString(sum[:12])
}

func safeSlug(s string) bool {
	if s == "" || len(s) > maxSlugLen || s[0] == '.' {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// ResultDir returns the owner's result directory, creating it if needed.
func (m *Manager) ResultDir(owner string) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", errors.New("owner is required")
	}
	if m.root == "" {
		return "", errors.New("results root is not configured")
	}
	dir := filepath.Join(m.root, OwnerSlug(owner))
	// #nosec G301 -- result directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create result dir: %w", err)
	}
	return dir, nil
}

// Session is the result namespace of a single run.
type Session struct {
	ID        string
	Owner     string
	OwnerSlug string
	Dir       string
}

// NewSession creates a fresh, exclusively owned directory for one run of
// templateRef.
func (m *Manager) NewSession(owner, templateRef string) (*Session, error) {
	base, err := m.ResultDir(owner)
	if err != nil {
		return nil, err
	}
	stem := templateStem(templateRef)
	for attempt := 0; attempt < 3; attempt++ {
		id := ksuid.New().String()
		dir := filepath.Join(base, stem+"_"+id)
		// #nosec G301 -- result directories use 0755 for multi-user access compatibility
		err := os.Mkdir(dir, 0755)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		return &Session{ID: id, Owner: owner, OwnerSlug: OwnerSlug(owner), Dir: dir}, nil
	}
	return nil, fmt.Errorf("create session dir: repeated collisions under %s", base)
}

// OpenSession reattaches to an existing session directory.
func OpenSession(owner, sessionID, dir string) (*Session, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open session: %s is not a directory", dir)
	}
	return &Session{ID: sessionID, Owner: owner, OwnerSlug: OwnerSlug(owner), Dir: dir}, nil
}

// ArtifactPrefix is the prefix every artifact of the session carries.
func (s *Session) ArtifactPrefix() string {
	return fmt.Sprintf("%s-%s_", s.ID, s.OwnerSlug)
}

// ArtifactName prefixes name with the session id and owner slug.
func (s *Session) ArtifactName(name string) string {
	return s.ArtifactPrefix() + filepath.Base(name)
}

// Collect returns the artifacts currently present in the session, relative
// to the session directory.
func (s *Session) Collect() ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(s.Dir), ArtifactPattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("collect artifacts: %w", err)
	}
	return matches, nil
}

// Artifact is one result file of a session.
type Artifact struct {
	// Path is relative to the session directory.
	Path    string    `json:"path"`
	Kind    string    `json:"kind"`
	Size    int64     `json:"size_bytes"`
	ModTime time.Time `json:"modified_at"`
}

// Artifacts lists the session's result files with their size and mtime,
// newest first. A session directory that no longer exists has none.
func (s *Session) Artifacts() ([]Artifact, error) {
	paths, err := s.Collect()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Artifact{}, nil
		}
		return nil, err
	}
	out := make([]Artifact, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(filepath.Join(s.Dir, filepath.FromSlash(p)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat artifact: %w", err)
		}
		out = append(out, Artifact{
			Path:    p,
			Kind:    strings.TrimPrefix(strings.ToLower(filepath.Ext(p)), "."),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Path < out[j].Path
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Remove deletes the session directory and everything in it.
func (s *Session) Remove() error {
	return os.RemoveAll(s.Dir)
}

func templateStem(ref string) string {
	base := filepath.Base(strings.TrimSpace(ref))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "experiment"
	}
	if len(out) > maxSlugLen {
		out = out[:maxSlugLen]
	}
	return out
}
