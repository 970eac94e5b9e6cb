package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// commentFile is one JSON object per document holding its comments and the
// per-document comment ID allocator.
type commentFile struct {
	Comments      []Comment `json:"comments"`
	NextCommentID int       `json:"nextCommentId"`
}

func (s *Store) commentPath(id string) string {
	return filepath.Join(s.dir, "comments", id+".json")
}

func (s *Store) loadComments(id string) (*commentFile, error) {
	data, err := os.ReadFile(s.commentPath(id))
	if os.IsNotExist(err) {
		return &commentFile{NextCommentID: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading comments for %s: %w", id, err)
	}
	var file commentFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing comments for %s: %w", id, err)
	}
	if file.NextCommentID < 1 {
		file.NextCommentID = 1
	}
	return &file, nil
}

func (s *Store) saveComments(id string, file *commentFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling comments: %w", err)
	}
	path := s.commentPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating comments directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing comments: %w", err)
	}
	return os.Rename(tmp, path)
}

// AddComment appends a comment to a document. The document must exist.
func (s *Store) AddComment(id string, partID string, ctype CommentType, content string, source CommentSource) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.entries[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	file, err := s.loadComments(id)
	if err != nil {
		return nil, err
	}
	comment := Comment{
		ID:        file.NextCommentID,
		PartID:    partID,
		Type:      ctype,
		Content:   content,
		Source:    source,
		State:     CommentNotAddressed,
		CreatedAt: time.Now().UTC(),
	}
	file.NextCommentID++
	file.Comments = append(file.Comments, comment)
	if err := s.saveComments(id, file); err != nil {
		return nil, err
	}
	return &comment, nil
}

// ListComments returns all comments on a document, oldest first.
func (s *Store) ListComments(id string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadComments(id)
	if err != nil {
		return nil, err
	}
	return file.Comments, nil
}

// MarkCommentAddressed transitions a comment to addressed. Comments are
// never deleted and no other mutation exists.
func (s *Store) MarkCommentAddressed(id string, commentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadComments(id)
	if err != nil {
		return err
	}
	for i := range file.Comments {
		if file.Comments[i].ID == commentID {
			if file.Comments[i].State == CommentAddressed {
				return nil
			}
			now := time.Now().UTC()
			file.Comments[i].State = CommentAddressed
			file.Comments[i].AddressedAt = &now
			return s.saveComments(id, file)
		}
	}
	return fmt.Errorf("%w: comment %d on %s", ErrNotFound, commentID, id)
}
