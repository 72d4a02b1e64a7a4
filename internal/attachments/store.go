// Package attachments persists user-attached files outside the database.
// Message rows carry only stable path references; the inline payloads are
// written here once and re-read on demand through a small LRU cache.
package attachments

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
)

var (
	sessionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	fileSanitizer    = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// Attachment is an in-memory attachment with its inline payload.
type Attachment struct {
	Name      string
	MediaType string
	Data      []byte
}

// Ref is the persisted form of an attachment: a stable path plus metadata,
// without the payload.
type Ref struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
}

// Store writes attachment payloads under a base directory, one subdirectory
// per session folder.
type Store struct {
	baseDir string
	cache   *lru.Cache[string, []byte]
	logger  logging.Logger
}

// cacheSize bounds how many attachment payloads stay resident.
const cacheSize = 64

// NewStore creates the base directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("attachments: create base dir: %w", err)
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("attachments: create cache: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		cache:   cache,
		logger:  logging.NewComponentLogger("AttachmentStore"),
	}, nil
}

// Save writes the attachments under sessionFolder and returns their refs.
// Name collisions within a folder get a numeric suffix.
func (s *Store) Save(sessionFolder string, attachments []Attachment) ([]Ref, error) {
	folder := sanitizeSessionFolder(sessionFolder)
	dir := filepath.Join(s.baseDir, folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("attachments: create session dir: %w", err)
	}

	refs := make([]Ref, 0, len(attachments))
	for i, attachment := range attachments {
		name := sanitizeFileName(attachment.Name)
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		path := filepath.Join(dir, name)
		for n := 1; fileExists(path); n++ {
			ext := filepath.Ext(name)
			base := strings.TrimSuffix(name, ext)
			path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, n, ext))
		}

		if err := os.WriteFile(path, attachment.Data, 0644); err != nil {
			return nil, fmt.Errorf("attachments: write %s: %w", path, err)
		}
		s.cache.Add(path, attachment.Data)

		refs = append(refs, Ref{
			Path:      path,
			Name:      attachment.Name,
			MediaType: attachment.MediaType,
			Size:      int64(len(attachment.Data)),
		})
	}
	return refs, nil
}

// Load reads the payloads for refs, cache-first.
func (s *Store) Load(refs []Ref) ([]Attachment, error) {
	attachments := make([]Attachment, 0, len(refs))
	for _, ref := range refs {
		data, err := s.loadOne(ref.Path)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, Attachment{
			Name:      ref.Name,
			MediaType: ref.MediaType,
			Data:      data,
		})
	}
	return attachments, nil
}

func (s *Store) loadOne(path string) ([]byte, error) {
	if data, ok := s.cache.Get(path); ok {
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("attachments: read %s: %w", path, err)
	}
	s.cache.Add(path, data)
	return data, nil
}

func sanitizeSessionFolder(folder string) string {
	folder = strings.TrimSpace(folder)
	folder = sessionSanitizer.ReplaceAllString(folder, "_")
	folder = strings.Trim(folder, "._-")
	if folder == "" {
		return "session"
	}
	return folder
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = filepath.Base(name)
	name = fileSanitizer.ReplaceAllString(name, "_")
	return strings.Trim(name, "._-")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
