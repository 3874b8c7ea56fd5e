package media

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// refPrefix is the public URL prefix under which stored blobs are served.
	refPrefix = "/uploads/"
	// maxFileSize caps a single uploaded blob at 50 MB.
	maxFileSize = 50 << 20
)

var (
	// ErrUnsupportedType rejects uploads outside the media allowlist.
	ErrUnsupportedType = errors.New("media: unsupported file type")
	// ErrFileTooLarge rejects uploads above the size cap.
	ErrFileTooLarge = errors.New("media: file too large")
)

// allowedTypes restricts uploads to images, video and audio.
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/ogg":       ".ogv",
	"video/quicktime": ".mov",
	"audio/mpeg":      ".mp3",
	"audio/wav":       ".wav",
	"audio/ogg":       ".ogg",
	"audio/aac":       ".aac",
}

// Store persists and removes media blobs referenced from capsules.
type Store interface {
	Save(file *multipart.FileHeader) (string, error)
	Remove(ref string) error
}

// DirStore keeps blobs in a local directory under unguessable names and
// serves them by reference path.
type DirStore struct {
	root string
}

// NewDirStore ensures the storage directory exists and returns a store
// rooted there.
func NewDirStore(root string) (*DirStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("media: storage directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("media: create storage directory: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root exposes the storage directory for static serving.
func (s *DirStore) Root() string {
	return s.root
}

// Save writes one uploaded blob and returns its public reference path.
func (s *DirStore) Save(file *multipart.FileHeader) (string, error) {
	if file.Size > maxFileSize {
		return "", ErrFileTooLarge
	}
	contentType := strings.TrimSpace(file.Header.Get("Content-Type"))
	extension, ok := allowedTypes[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	source, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("media: open upload: %w", err)
	}
	defer source.Close()

	name := uuid.NewString() + extension
	destination, err := os.Create(filepath.Join(s.root, name))
	if err != nil {
		return "", fmt.Errorf("media: create blob: %w", err)
	}
	defer destination.Close()

	if _, err := io.Copy(destination, io.LimitReader(source, maxFileSize+1)); err != nil {
		return "", fmt.Errorf("media: write blob: %w", err)
	}

	return refPrefix + name, nil
}

// Remove deletes the blob behind a reference path. Unknown references are
// rejected without touching the filesystem.
func (s *DirStore) Remove(ref string) error {
	name := strings.TrimPrefix(ref, refPrefix)
	if name == ref || name == "" || name != path.Base(name) {
		return fmt.Errorf("media: invalid reference %q", ref)
	}
	return os.Remove(filepath.Join(s.root, name))
}
