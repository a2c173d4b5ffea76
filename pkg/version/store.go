// ABOUTME: Version store over the shared record store
// ABOUTME: Owns version records, branch heads, tags and the child index

package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mfriis/reves/pkg/storage"
)

// Prefixes for version storage
const (
	PREFIX_VERSION  = "ver/"    // ver/<id> -> Version
	PREFIX_HEAD     = "head/"   // head/<branchID> -> version id
	PREFIX_BYBRANCH = "bver/"   // bver/<branchID>/<seq>/<id> -> version id
	PREFIX_CHILDREN = "vchild/" // vchild/<parentID>/<childID> -> ""
	PREFIX_TAG      = "vtag/"   // vtag/<eventID>/<name> -> version id
	PREFIX_SEQ      = "vseq/"   // vseq/<branchID> -> per-branch counter
)

var (
	// ErrNotFound indicates an absent version
	ErrNotFound = errors.New("version: not found")

	// ErrDuplicateTag indicates a tag name already used on the event
	ErrDuplicateTag = errors.New("version: duplicate tag")

	// ErrConcurrentModification indicates a lost race on head advancement
	ErrConcurrentModification = errors.New("version: concurrent head advancement")

	// ErrWrongBranch indicates a head advance to a foreign branch's version
	ErrWrongBranch = errors.New("version: version belongs to another branch")
)

// Store manages immutable versions. Ids are uuids, globally unique and
// never reused. Snapshots are never modified in place; every edit becomes
// a new version.
type Store struct {
	db storage.Store
}

// NewStore creates a version store over the shared record store.
func NewStore(db storage.Store) *Store {
	return &Store{db: db}
}

// Create stores a new immutable version and atomically advances the
// branch head: the previous head's is_current flips to false, the new
// version's to true. Fails with ErrConcurrentModification when the branch
// head no longer matches params.ExpectedHead.
func (s *Store) Create(params CreateParams) (*Version, error) {
	var created *Version
	err := storage.Update(s.db, func(tx storage.Tx) error {
		v, err := s.CreateInTx(tx, params)
		if err != nil {
			return err
		}
		created = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateInTx is Create inside a caller-owned transaction, so merge
// completion can persist the version, the head move and the audit entry
// as one atomic unit.
func (s *Store) CreateInTx(tx storage.Tx, params CreateParams) (*Version, error) {
	headID, err := s.headID(tx, params.BranchID)
	if err != nil {
		return nil, err
	}
	if headID != params.ExpectedHead {
		return nil, fmt.Errorf("%w: branch %s head is %q, expected %q",
			ErrConcurrentModification, params.BranchID, headID, params.ExpectedHead)
	}

	v := &Version{
		ID:        uuid.NewString(),
		EventID:   params.EventID,
		BranchID:  params.BranchID,
		ParentID:  params.ParentID,
		Origin:    params.Origin,
		Document:  params.Document,
		CreatedBy: params.CreatedBy,
		CreatedAt: time.Now().UTC(),
		IsCurrent: true,
		Message:   params.Message,
	}
	if v.Origin == "" {
		v.Origin = OriginCommit
	}

	if headID != "" {
		if err := s.setCurrent(tx, headID, false); err != nil {
			return nil, err
		}
	}
	if err := s.put(tx, v); err != nil {
		return nil, err
	}
	if err := tx.Set(PREFIX_HEAD+v.BranchID, []byte(v.ID)); err != nil {
		return nil, err
	}
	seq, err := s.nextSeq(tx, v.BranchID)
	if err != nil {
		return nil, err
	}
	byBranch := fmt.Sprintf("%s%s/%012d/%s", PREFIX_BYBRANCH, v.BranchID, seq, v.ID)
	if err := tx.Set(byBranch, []byte(v.ID)); err != nil {
		return nil, err
	}
	if v.ParentID != "" {
		if err := tx.Set(PREFIX_CHILDREN+v.ParentID+"/"+v.ID, nil); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Get retrieves a version by id.
func (s *Store) Get(id string) (*Version, error) {
	var v *Version
	err := storage.View(s.db, func(tx storage.Tx) error {
		var err error
		v, err = s.GetInTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetInTx retrieves a version inside a caller-owned transaction.
func (s *Store) GetInTx(tx storage.Tx, id string) (*Version, error) {
	raw, ok, err := tx.Get(PREFIX_VERSION + id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var v Version
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode version %s: %w", id, err)
	}
	return &v, nil
}

// Head returns the branch's current version, or ErrNotFound when the
// branch has none yet.
func (s *Store) Head(branchID string) (*Version, error) {
	var v *Version
	err := storage.View(s.db, func(tx storage.Tx) error {
		id, err := s.headID(tx, branchID)
		if err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("%w: no head for branch %s", ErrNotFound, branchID)
		}
		v, err = s.GetInTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// HeadIDInTx returns the branch's current version id, "" when none.
func (s *Store) HeadIDInTx(tx storage.Tx, branchID string) (string, error) {
	return s.headID(tx, branchID)
}

// AdvanceInTx moves the branch head to an existing version of the same
// branch, compare-and-swapped against expectedHead.
func (s *Store) AdvanceInTx(tx storage.Tx, branchID, newVersionID, expectedHead string) error {
	headID, err := s.headID(tx, branchID)
	if err != nil {
		return err
	}
	if headID != expectedHead {
		return fmt.Errorf("%w: branch %s head is %q, expected %q",
			ErrConcurrentModification, branchID, headID, expectedHead)
	}
	v, err := s.GetInTx(tx, newVersionID)
	if err != nil {
		return err
	}
	if v.BranchID != branchID {
		return fmt.Errorf("%w: %s is on branch %s", ErrWrongBranch, newVersionID, v.BranchID)
	}
	if headID == newVersionID {
		return nil
	}
	if headID != "" {
		if err := s.setCurrent(tx, headID, false); err != nil {
			return err
		}
	}
	if err := s.setCurrent(tx, newVersionID, true); err != nil {
		return err
	}
	return tx.Set(PREFIX_HEAD+branchID, []byte(newVersionID))
}

// ListByBranch returns the branch's versions in creation order.
func (s *Store) ListByBranch(branchID string) ([]*Version, error) {
	var out []*Version
	err := storage.View(s.db, func(tx storage.Tx) error {
		var scanErr error
		prefix := PREFIX_BYBRANCH + branchID + "/"
		err := tx.Scan(prefix, func(key string, val []byte) bool {
			v, err := s.GetInTx(tx, string(val))
			if err != nil {
				scanErr = err
				return false
			}
			out = append(out, v)
			return true
		})
		if err != nil {
			return err
		}
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Children returns the ids of versions whose parent is id.
func (s *Store) Children(id string) ([]string, error) {
	var out []string
	err := storage.View(s.db, func(tx storage.Tx) error {
		return s.ChildrenInTx(tx, id, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChildrenInTx appends child ids inside a caller-owned transaction.
func (s *Store) ChildrenInTx(tx storage.Tx, id string, out *[]string) error {
	prefix := PREFIX_CHILDREN + id + "/"
	return tx.Scan(prefix, func(key string, val []byte) bool {
		*out = append(*out, key[len(prefix):])
		return true
	})
}

// Tag names a version. Tag names are unique per reporting event; a second
// use fails with ErrDuplicateTag.
func (s *Store) Tag(versionID, name string) (*Version, error) {
	var tagged *Version
	err := storage.Update(s.db, func(tx storage.Tx) error {
		v, err := s.GetInTx(tx, versionID)
		if err != nil {
			return err
		}
		tagKey := PREFIX_TAG + v.EventID + "/" + name
		if _, ok, err := tx.Get(tagKey); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: %q on event %s", ErrDuplicateTag, name, v.EventID)
		}
		v.IsTagged = true
		v.TagName = name
		if err := s.put(tx, v); err != nil {
			return err
		}
		if err := tx.Set(tagKey, []byte(v.ID)); err != nil {
			return err
		}
		tagged = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tagged, nil
}

// ByTag resolves a tag name within a reporting event.
func (s *Store) ByTag(eventID, name string) (*Version, error) {
	var v *Version
	err := storage.View(s.db, func(tx storage.Tx) error {
		raw, ok, err := tx.Get(PREFIX_TAG + eventID + "/" + name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: tag %q on event %s", ErrNotFound, name, eventID)
		}
		v, err = s.GetInTx(tx, string(raw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) headID(tx storage.Tx, branchID string) (string, error) {
	raw, ok, err := tx.Get(PREFIX_HEAD + branchID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

func (s *Store) setCurrent(tx storage.Tx, id string, current bool) error {
	v, err := s.GetInTx(tx, id)
	if err != nil {
		return err
	}
	v.IsCurrent = current
	return s.put(tx, v)
}

func (s *Store) put(tx storage.Tx, v *Version) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode version %s: %w", v.ID, err)
	}
	return tx.Set(PREFIX_VERSION+v.ID, raw)
}

func (s *Store) nextSeq(tx storage.Tx, branchID string) (uint64, error) {
	key := PREFIX_SEQ + branchID
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
