package pliststore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/munkirepo/internal/plist"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// controlDirs are never descended into when listing a kind.
var controlDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".AppleDouble": true,
}

// IsControlDir reports whether name is a version control or metadata
// directory that List skips.
func IsControlDir(name string) bool {
	return controlDirs[name]
}

// IsHidden reports whether a file name is hidden from List.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Recorder records repository changes in version control. filePath is the
// absolute path of the changed file.
type Recorder interface {
	RecordAdd(ctx context.Context, filePath, user string) error
	RecordDelete(ctx context.Context, filePath, user string) error
}

// Store provides access to the plist records under a repository root.
type Store struct {
	fs       afero.Fs
	root     string
	codec    plist.Codec
	recorder Recorder
	logger   *slog.Logger
	kinds    map[string]bool
	strict   bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for success and failure events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithRecorder enables version control recording of mutations.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithKinds restricts the store to the given kinds. Without it any kind
// that is a plain directory name is accepted.
func WithKinds(kinds []string) Option {
	return func(s *Store) {
		if len(kinds) == 0 {
			s.kinds = nil
			return
		}
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
}

// WithStrictParsing makes Read fail with ErrParse on unparseable files
// instead of returning an empty record.
func WithStrictParsing() Option {
	return func(s *Store) { s.strict = true }
}

// WithCodec replaces the default XML plist codec.
func WithCodec(c plist.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// NewStore creates a store rooted at root on fsys.
func NewStore(fsys afero.Fs, root string, opts ...Option) *Store {
	s := &Store{
		fs:     fsys,
		root:   root,
		codec:  plist.XMLCodec{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the repository root directory.
func (s *Store) Root() string {
	return s.root
}

// List returns the paths of all records of kind, relative to the kind
// directory, in walk order. A kind without a directory yields no paths.
func (s *Store) List(kind string) ([]string, error) {
	id := ID{Kind: kind}
	if err := s.checkKind("list", id); err != nil {
		return nil, err
	}

	kindDir := filepath.Join(s.root, kind)
	plists := make([]string, 0)

	err := afero.Walk(s.fs, kindDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == kindDir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}

		if info.IsDir() {
			if path != kindDir && IsControlDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if path == kindDir || IsHidden(info.Name()) {
			return nil
		}

		// Symlinked directories are neither descended into nor listed.
		if info.Mode()&os.ModeSymlink != 0 {
			if target, err := s.fs.Stat(path); err == nil && target.IsDir() {
				return nil
			}
		}

		rel, err := filepath.Rel(kindDir, path)
		if err != nil {
			return err
		}
		plists = append(plists, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) {
		s.logger.Error("list failed", "kind", kind, "error", err)
		return nil, newError("list", id, ErrRead, err)
	}

	return plists, nil
}

// Exists reports whether a record file exists.
func (s *Store) Exists(kind, path string) (bool, error) {
	id, filePath, err := s.resolve("exists", kind, path)
	if err != nil {
		return false, err
	}
	exists, err := s.exists(filePath)
	if err != nil {
		return false, newError("exists", id, ErrRead, err)
	}
	return exists, nil
}

// New creates a record that must not exist yet and returns the bytes
// written. A nil rec is replaced by the skeleton for kind. When user is set
// the new file is recorded in version control.
func (s *Store) New(ctx context.Context, kind, path, user string, rec plist.Record) ([]byte, error) {
	id, filePath, err := s.resolve("new", kind, path)
	if err != nil {
		return nil, err
	}

	exists, err := s.exists(filePath)
	if err != nil {
		s.logger.Error("create failed", "kind", id.Kind, "path", id.Path, "error", err)
		return nil, newError("new", id, ErrWrite, err)
	}
	if exists {
		return nil, newError("new", id, ErrAlreadyExists, nil)
	}

	if err := s.fs.MkdirAll(filepath.Dir(filePath), dirPerm); err != nil {
		s.logger.Error("create failed", "kind", id.Kind, "path", id.Path, "error", err)
		return nil, newError("new", id, ErrWrite, err)
	}

	if rec == nil {
		rec = plist.Skeleton(kind)
	}
	data, err := s.codec.Serialize(rec)
	if err != nil {
		s.logger.Error("create failed", "kind", id.Kind, "path", id.Path, "error", err)
		return nil, newError("new", id, ErrWrite, err)
	}

	if err := afero.WriteFile(s.fs, filePath, data, filePerm); err != nil {
		s.logger.Error("create failed", "kind", id.Kind, "path", id.Path, "error", err)
		return nil, newError("new", id, ErrWrite, err)
	}
	s.logger.Info("created plist", "kind", id.Kind, "path", id.Path)

	s.recordAdd(ctx, id, filePath, user)
	return data, nil
}

// Read parses a record. Files that exist but cannot be parsed yield an
// empty record unless strict parsing is enabled.
func (s *Store) Read(kind, path string) (plist.Record, error) {
	id, filePath, err := s.resolve("read", kind, path)
	if err != nil {
		return nil, err
	}

	data, err := s.readFile(id, filePath)
	if err != nil {
		return nil, err
	}

	rec, err := s.codec.Parse(data)
	if err != nil {
		if s.strict {
			s.logger.Error("parse failed", "kind", id.Kind, "path", id.Path, "error", err)
			return nil, newError("read", id, ErrParse, err)
		}
		s.logger.Warn("unparseable plist, returning empty record", "kind", id.Kind, "path", id.Path, "error", err)
		return plist.Record{}, nil
	}
	return rec, nil
}

// ReadRaw returns the bytes of a record file without parsing them.
func (s *Store) ReadRaw(kind, path string) ([]byte, error) {
	id, filePath, err := s.resolve("read", kind, path)
	if err != nil {
		return nil, err
	}
	return s.readFile(id, filePath)
}

// Write stores data verbatim, creating the file and any missing parent
// directories. When user is set the change is recorded in version control.
func (s *Store) Write(ctx context.Context, data []byte, kind, path, user string) error {
	id, filePath, err := s.resolve("write", kind, path)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(filePath), dirPerm); err != nil {
		s.logger.Error("create failed", "kind", id.Kind, "path", id.Path, "error", err)
		return newError("write", id, ErrWrite, err)
	}

	if err := afero.WriteFile(s.fs, filePath, data, filePerm); err != nil {
		s.logger.Error("write failed", "kind", id.Kind, "path", id.Path, "error", err)
		return newError("write", id, ErrWrite, err)
	}
	s.logger.Info("wrote plist", "kind", id.Kind, "path", id.Path)

	s.recordAdd(ctx, id, filePath, user)
	return nil
}

// Delete removes an existing record. When user is set the removal is
// recorded in version control.
func (s *Store) Delete(ctx context.Context, kind, path, user string) error {
	id, filePath, err := s.resolve("delete", kind, path)
	if err != nil {
		return err
	}

	exists, err := s.exists(filePath)
	if err != nil {
		s.logger.Error("delete failed", "kind", id.Kind, "path", id.Path, "error", err)
		return newError("delete", id, ErrDelete, err)
	}
	if !exists {
		return newError("delete", id, ErrDoesNotExist, nil)
	}

	if err := s.fs.Remove(filePath); err != nil {
		s.logger.Error("delete failed", "kind", id.Kind, "path", id.Path, "error", err)
		return newError("delete", id, ErrDelete, err)
	}
	s.logger.Info("deleted plist", "kind", id.Kind, "path", id.Path)

	if user != "" && s.recorder != nil {
		s.recorded(id, user, s.recorder.RecordDelete(ctx, filePath, user))
	}
	return nil
}

// resolve validates kind and path and returns the record's file path.
func (s *Store) resolve(op, kind, path string) (ID, string, error) {
	id := NewID(kind, path)
	if err := id.validate(); err != nil {
		return id, "", newError(op, id, err, nil)
	}
	if err := s.checkKind(op, id); err != nil {
		return id, "", err
	}
	return id, filepath.Join(s.root, id.Kind, filepath.FromSlash(id.Path)), nil
}

func (s *Store) checkKind(op string, id ID) error {
	if !validKind(id.Kind) {
		return newError(op, id, ErrInvalidPath, nil)
	}
	if s.kinds != nil && !s.kinds[id.Kind] {
		return newError(op, id, ErrUnknownKind, nil)
	}
	return nil
}

func (s *Store) exists(filePath string) (bool, error) {
	if _, err := s.fs.Stat(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) readFile(id ID, filePath string) ([]byte, error) {
	exists, err := s.exists(filePath)
	if err != nil {
		s.logger.Error("read failed", "kind", id.Kind, "path", id.Path, "error", err)
		return nil, newError("read", id, ErrRead, err)
	}
	if !exists {
		return nil, newError("read", id, ErrDoesNotExist, nil)
	}

	data, err := afero.ReadFile(s.fs, filePath)
	if err != nil {
		s.logger.Error("read failed", "kind", id.Kind, "path", id.Path, "error", err)
		return nil, newError("read", id, ErrRead, err)
	}
	return data, nil
}

func (s *Store) recordAdd(ctx context.Context, id ID, filePath, user string) {
	if user == "" || s.recorder == nil {
		return
	}
	s.recorded(id, user, s.recorder.RecordAdd(ctx, filePath, user))
}

// recorded logs a recorder failure. The filesystem change already happened
// and stands regardless.
func (s *Store) recorded(id ID, user string, err error) {
	if err != nil {
		s.logger.Warn("version control recording failed",
			"kind", id.Kind,
			"path", id.Path,
			"user", user,
			"error", err)
	}
}
