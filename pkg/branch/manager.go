// ABOUTME: Branch manager: init, fork, head advancement, protection
// ABOUTME: Protection overrides are checked through the access guard

package branch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mfriis/reves/pkg/doctree"
	"github.com/mfriis/reves/pkg/guard"
	"github.com/mfriis/reves/pkg/storage"
	"github.com/mfriis/reves/pkg/version"
)

// Prefixes for branch storage
const (
	PREFIX_BRANCH = "br/"     // br/<id> -> Branch
	PREFIX_NAME   = "brname/" // brname/<eventID>/<name> -> branch id
)

// Manager owns branch records and the rules for moving their heads.
type Manager struct {
	db       storage.Store
	versions *version.Store
	guard    *guard.Guard
}

// NewManager creates a branch manager over the shared record store.
func NewManager(db storage.Store, versions *version.Store, g *guard.Guard) *Manager {
	return &Manager{db: db, versions: versions, guard: g}
}

// Init creates a reporting event's default branch with its initial
// commit.
func (m *Manager) Init(eventID, name string, doc doctree.Document, creator string) (*Branch, *version.Version, error) {
	var b *Branch
	var v *version.Version
	err := storage.Update(m.db, func(tx storage.Tx) error {
		var err error
		b, err = m.createInTx(tx, eventID, name, creator, "", "", true)
		if err != nil {
			return err
		}
		v, err = m.versions.CreateInTx(tx, version.CreateParams{
			EventID:   eventID,
			BranchID:  b.ID,
			Origin:    version.OriginCommit,
			Document:  doc,
			CreatedBy: creator,
			Message:   "initial commit",
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return b, v, nil
}

// ForkSource names where a new branch starts: a source branch (its
// current head) or an explicit version on that branch.
type ForkSource struct {
	BranchID  string
	VersionID string // optional; defaults to the branch head
}

// Fork creates a branch at the source's head (or named version) by
// copying that snapshot as the new branch's initial version. Fails with
// ErrDuplicateName within the same reporting event.
func (m *Manager) Fork(name string, src ForkSource, creator string) (*Branch, *version.Version, error) {
	var b *Branch
	var v *version.Version
	err := storage.Update(m.db, func(tx storage.Tx) error {
		source, err := m.GetInTx(tx, src.BranchID)
		if err != nil {
			return err
		}
		if source.Deleted {
			return fmt.Errorf("%w: fork source %s", ErrDeleted, source.ID)
		}
		at := src.VersionID
		if at == "" {
			at, err = m.versions.HeadIDInTx(tx, source.ID)
			if err != nil {
				return err
			}
			if at == "" {
				return fmt.Errorf("%w: branch %s has no head", version.ErrNotFound, source.ID)
			}
		}
		base, err := m.versions.GetInTx(tx, at)
		if err != nil {
			return err
		}
		if base.EventID != source.EventID {
			return fmt.Errorf("%w: version %s", ErrEventMismatch, base.ID)
		}
		b, err = m.createInTx(tx, source.EventID, name, creator, source.ID, base.ID, false)
		if err != nil {
			return err
		}
		v, err = m.versions.CreateInTx(tx, version.CreateParams{
			EventID:   source.EventID,
			BranchID:  b.ID,
			ParentID:  base.ID,
			Origin:    version.OriginFork,
			Document:  base.Document,
			CreatedBy: creator,
			Message:   fmt.Sprintf("fork of %s", source.Name),
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return b, v, nil
}

// Commit saves a new snapshot on the branch and advances its head.
// expectedHead is the version the caller edited from; a mismatch fails
// with version.ErrConcurrentModification. Protected branches with
// NoDirectPush require the override permission.
func (m *Manager) Commit(branchID string, doc doctree.Document, expectedHead, message string, p guard.Principal) (*version.Version, error) {
	var v *version.Version
	err := storage.Update(m.db, func(tx storage.Tx) error {
		b, err := m.GetInTx(tx, branchID)
		if err != nil {
			return err
		}
		if b.Deleted {
			return fmt.Errorf("%w: %s", ErrDeleted, branchID)
		}
		if err := m.checkPush(tx, b, p); err != nil {
			return err
		}
		v, err = m.versions.CreateInTx(tx, version.CreateParams{
			EventID:      b.EventID,
			BranchID:     b.ID,
			ParentID:     expectedHead,
			ExpectedHead: expectedHead,
			Origin:       version.OriginCommit,
			Document:     doc,
			CreatedBy:    p.ID,
			Message:      message,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// AdvanceHead moves the branch head to an existing version, CAS-checked
// against expectedHead.
func (m *Manager) AdvanceHead(branchID, newVersionID, expectedHead string, p guard.Principal) error {
	return storage.Update(m.db, func(tx storage.Tx) error {
		return m.AdvanceHeadInTx(tx, branchID, newVersionID, expectedHead, p)
	})
}

// AdvanceHeadInTx is AdvanceHead inside a caller-owned transaction.
func (m *Manager) AdvanceHeadInTx(tx storage.Tx, branchID, newVersionID, expectedHead string, p guard.Principal) error {
	b, err := m.GetInTx(tx, branchID)
	if err != nil {
		return err
	}
	if b.Deleted {
		return fmt.Errorf("%w: %s", ErrDeleted, branchID)
	}
	if err := m.checkPush(tx, b, p); err != nil {
		return err
	}
	return m.versions.AdvanceInTx(tx, branchID, newVersionID, expectedHead)
}

// Protect marks the branch protected with the given rules. Idempotent:
// protecting an already-protected branch just rewrites the rules.
func (m *Manager) Protect(branchID string, rules ProtectionRules) (*Branch, error) {
	var b *Branch
	err := storage.Update(m.db, func(tx storage.Tx) error {
		var err error
		b, err = m.GetInTx(tx, branchID)
		if err != nil {
			return err
		}
		b.Protected = true
		b.Rules = rules
		return m.putInTx(tx, b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Delete soft-deletes a branch. Protected branches and the event default
// refuse.
func (m *Manager) Delete(branchID string) error {
	return storage.Update(m.db, func(tx storage.Tx) error {
		b, err := m.GetInTx(tx, branchID)
		if err != nil {
			return err
		}
		if b.Protected {
			return fmt.Errorf("%w: %s", ErrProtected, branchID)
		}
		if b.IsDefault {
			return fmt.Errorf("%w: %s", ErrDefaultBranch, branchID)
		}
		if b.Deleted {
			return nil
		}
		b.Deleted = true
		if err := tx.Delete(PREFIX_NAME + b.EventID + "/" + b.Name); err != nil {
			return err
		}
		return m.putInTx(tx, b)
	})
}

// Get retrieves a branch by id. Soft-deleted branches stay readable.
func (m *Manager) Get(branchID string) (*Branch, error) {
	var b *Branch
	err := storage.View(m.db, func(tx storage.Tx) error {
		var err error
		b, err = m.GetInTx(tx, branchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetInTx retrieves a branch inside a caller-owned transaction.
func (m *Manager) GetInTx(tx storage.Tx, branchID string) (*Branch, error) {
	raw, ok, err := tx.Get(PREFIX_BRANCH + branchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, branchID)
	}
	var b Branch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode branch %s: %w", branchID, err)
	}
	return &b, nil
}

// ByName resolves a live branch name within a reporting event.
func (m *Manager) ByName(eventID, name string) (*Branch, error) {
	var b *Branch
	err := storage.View(m.db, func(tx storage.Tx) error {
		raw, ok, err := tx.Get(PREFIX_NAME + eventID + "/" + name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q on event %s", ErrNotFound, name, eventID)
		}
		b, err = m.GetInTx(tx, string(raw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Manager) checkPush(tx storage.Tx, b *Branch, p guard.Principal) error {
	if !b.Protected || !b.Rules.NoDirectPush {
		return nil
	}
	if err := m.guard.CheckPermissionInTx(tx, p, "branch", b.ID, guard.PermBranchOverride); err != nil {
		return fmt.Errorf("%w: %s requires %s", ErrProtected, b.Name, guard.PermBranchOverride)
	}
	return nil
}

func (m *Manager) createInTx(tx storage.Tx, eventID, name, creator, sourceBranchID, sourceVersionID string, isDefault bool) (*Branch, error) {
	nameKey := PREFIX_NAME + eventID + "/" + name
	if _, ok, err := tx.Get(nameKey); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %q on event %s", ErrDuplicateName, name, eventID)
	}
	b := &Branch{
		ID:              uuid.NewString(),
		EventID:         eventID,
		Name:            name,
		SourceBranchID:  sourceBranchID,
		SourceVersionID: sourceVersionID,
		IsDefault:       isDefault,
		CreatedBy:       creator,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.putInTx(tx, b); err != nil {
		return nil, err
	}
	if err := tx.Set(nameKey, []byte(b.ID)); err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Manager) putInTx(tx storage.Tx, b *Branch) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode branch %s: %w", b.ID, err)
	}
	return tx.Set(PREFIX_BRANCH+b.ID, raw)
}
