// ABOUTME: Threaded review comments on versions
// ABOUTME: Parent/child links form a tree, optionally scoped to a path

package comment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mfriis/reves/pkg/storage"
)

// Prefixes for comment storage
const (
	PREFIX_COMMENT = "cm/"  // cm/<id> -> Comment
	PREFIX_THREAD  = "cmv/" // cmv/<versionID>/<seq>/<id> -> comment id
	PREFIX_SEQ     = "cms/" // cms/<versionID> -> per-version counter
)

var (
	// ErrNotFound indicates an absent comment
	ErrNotFound = errors.New("comment: not found")

	// ErrParentMismatch indicates a reply to a comment on another version
	ErrParentMismatch = errors.New("comment: parent belongs to another version")
)

// Comment annotates a version, optionally scoped to a document path and
// line. Parent links form a tree: a reply's parent must already exist on
// the same version, so no cycle can be constructed.
type Comment struct {
	ID        string    `json:"id"`
	VersionID string    `json:"version_id"`
	ParentID  string    `json:"parent_comment_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store owns comments over the shared record store.
type Store struct {
	db storage.Store
}

// NewStore creates a comment store.
func NewStore(db storage.Store) *Store {
	return &Store{db: db}
}

// AddParams describes a new comment or reply.
type AddParams struct {
	VersionID string
	ParentID  string
	Path      string
	Line      int
	Author    string
	Body      string
}

// Add creates a comment. Replies validate that the parent exists and
// sits on the same version.
func (s *Store) Add(params AddParams) (*Comment, error) {
	var created *Comment
	err := storage.Update(s.db, func(tx storage.Tx) error {
		if params.ParentID != "" {
			parent, err := s.getInTx(tx, params.ParentID)
			if err != nil {
				return err
			}
			if parent.VersionID != params.VersionID {
				return fmt.Errorf("%w: parent %s is on version %s",
					ErrParentMismatch, parent.ID, parent.VersionID)
			}
		}
		now := time.Now().UTC()
		c := &Comment{
			ID:        uuid.NewString(),
			VersionID: params.VersionID,
			ParentID:  params.ParentID,
			Path:      params.Path,
			Line:      params.Line,
			Author:    params.Author,
			Body:      params.Body,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.putInTx(tx, c); err != nil {
			return err
		}
		seq, err := s.nextSeq(tx, c.VersionID)
		if err != nil {
			return err
		}
		threadKey := fmt.Sprintf("%s%s/%012d/%s", PREFIX_THREAD, c.VersionID, seq, c.ID)
		if err := tx.Set(threadKey, []byte(c.ID)); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SetResolved marks a comment resolved or reopens it.
func (s *Store) SetResolved(id string, resolved bool) (*Comment, error) {
	var updated *Comment
	err := storage.Update(s.db, func(tx storage.Tx) error {
		c, err := s.getInTx(tx, id)
		if err != nil {
			return err
		}
		c.Resolved = resolved
		c.UpdatedAt = time.Now().UTC()
		updated = c
		return s.putInTx(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Get retrieves a comment by id.
func (s *Store) Get(id string) (*Comment, error) {
	var c *Comment
	err := storage.View(s.db, func(tx storage.Tx) error {
		var err error
		c, err = s.getInTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Thread returns a version's comments in creation order.
func (s *Store) Thread(versionID string) ([]*Comment, error) {
	var out []*Comment
	err := storage.View(s.db, func(tx storage.Tx) error {
		var innerErr error
		err := tx.Scan(PREFIX_THREAD+versionID+"/", func(key string, val []byte) bool {
			var c *Comment
			c, innerErr = s.getInTx(tx, string(val))
			if innerErr != nil {
				return false
			}
			out = append(out, c)
			return true
		})
		if err != nil {
			return err
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) getInTx(tx storage.Tx, id string) (*Comment, error) {
	raw, ok, err := tx.Get(PREFIX_COMMENT + id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var c Comment
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode comment %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) putInTx(tx storage.Tx, c *Comment) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode comment %s: %w", c.ID, err)
	}
	return tx.Set(PREFIX_COMMENT+c.ID, raw)
}

func (s *Store) nextSeq(tx storage.Tx, versionID string) (uint64, error) {
	key := PREFIX_SEQ + versionID
	raw, ok, err := tx.Get(key)
	if err != nil {
		return 0, err
	}
	var seq uint64
	if ok {
		if err := json.Unmarshal(raw, &seq); err != nil {
			return 0, err
		}
	}
	seq++
	out, _ := json.Marshal(seq)
	if err := tx.Set(key, out); err != nil {
		return 0, err
	}
	return seq, nil
}
