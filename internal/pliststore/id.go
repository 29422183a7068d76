package pliststore

import (
	"path"
	"path/filepath"
	"strings"
)

// ID identifies a record: a kind directory under the repository root and a
// slash separated path inside it.
type ID struct {
	Kind string
	Path string
}

// NewID returns the ID for kind and p with p cleaned to slash form.
func NewID(kind, p string) ID {
	return ID{Kind: kind, Path: path.Clean(filepath.ToSlash(p))}
}

func (id ID) String() string {
	return id.Kind + "/" + id.Path
}

// validate rejects kinds that are not a single visible directory name and
// paths that would resolve outside the kind directory.
func (id ID) validate() error {
	if !validKind(id.Kind) {
		return ErrInvalidPath
	}
	if id.Path == "" || id.Path == "." || !filepath.IsLocal(filepath.FromSlash(id.Path)) {
		return ErrInvalidPath
	}
	return nil
}

func validKind(kind string) bool {
	return kind != "" &&
		!strings.HasPrefix(kind, ".") &&
		!strings.ContainsAny(kind, `/\`) &&
		filepath.IsLocal(kind)
}
