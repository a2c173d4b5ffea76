// ABOUTME: Advisory per-version locks and ACL permission checks
// ABOUTME: Lock expiry is lazy; an expired lock is silently reclaimed

package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mfriis/reves/pkg/storage"
)

// Prefixes for guard storage
const (
	PREFIX_LOCK = "lk/"  // lk/<versionID> -> Lock
	PREFIX_ACL  = "acl/" // acl/<type>/<id>/<userID>/<permission> -> Entry
)

// Permissions this core checks itself. The surrounding application may
// grant any permission string it likes.
const (
	PermBranchOverride = "branch:override" // push past branch protection
	PermReview         = "merge:review"    // approve a merge request
)

// RoleAdmin short-circuits every permission check.
const RoleAdmin = "admin"

var (
	// ErrAlreadyLocked indicates an active lock held by someone else
	ErrAlreadyLocked = errors.New("guard: version already locked")

	// ErrNotHolder indicates a release attempted by a non-holder
	ErrNotHolder = errors.New("guard: lock held by someone else")

	// ErrPermissionDenied indicates a failed ACL check
	ErrPermissionDenied = errors.New("guard: permission denied")
)

// Principal is the authenticated caller, supplied by the external
// identity collaborator.
type Principal struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Lock is an advisory per-version lock. At most one active lock exists
// per version; an expired lock counts as absent.
type Lock struct {
	VersionID string    `json:"version_id"`
	Holder    string    `json:"holder"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the lock has not yet expired.
func (l *Lock) Active(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Entry is one access-control tuple. A zero ExpiresAt never expires.
type Entry struct {
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	UserID       string    `json:"user_id"`
	Permission   string    `json:"permission"`
	GrantedAt    time.Time `json:"granted_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Guard owns locks and ACL entries over the shared record store.
type Guard struct {
	db storage.Store
}

// NewGuard creates a guard over the shared record store.
func NewGuard(db storage.Store) *Guard {
	return &Guard{db: db}
}

// AcquireLock takes the advisory lock on a version. Re-acquisition by the
// current holder refreshes the expiry; anyone else gets ErrAlreadyLocked
// while the lock is active.
func (g *Guard) AcquireLock(versionID, holder, reason string, ttl time.Duration) (*Lock, error) {
	var acquired *Lock
	err := storage.Update(g.db, func(tx storage.Tx) error {
		now := time.Now().UTC()
		existing, err := g.lockInTx(tx, versionID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Active(now) && existing.Holder != holder {
			return fmt.Errorf("%w: %s held by %s until %s",
				ErrAlreadyLocked, versionID, existing.Holder, existing.ExpiresAt.Format(time.RFC3339))
		}
		l := &Lock{
			VersionID: versionID,
			Holder:    holder,
			Reason:    reason,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		raw, err := json.Marshal(l)
		if err != nil {
			return err
		}
		if err := tx.Set(PREFIX_LOCK+versionID, raw); err != nil {
			return err
		}
		acquired = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ReleaseLock drops the lock. Releasing an absent or expired lock is a
// no-op; releasing another holder's active lock fails.
func (g *Guard) ReleaseLock(versionID, holder string) error {
	return storage.Update(g.db, func(tx storage.Tx) error {
		existing, err := g.lockInTx(tx, versionID)
		if err != nil {
			return err
		}
		if existing == nil || !existing.Active(time.Now().UTC()) {
			return nil
		}
		if existing.Holder != holder {
			return fmt.Errorf("%w: %s held by %s", ErrNotHolder, versionID, existing.Holder)
		}
		return tx.Delete(PREFIX_LOCK + versionID)
	})
}

// ActiveLock returns the current lock when one is active.
func (g *Guard) ActiveLock(versionID string) (*Lock, bool, error) {
	var l *Lock
	err := storage.View(g.db, func(tx storage.Tx) error {
		existing, err := g.lockInTx(tx, versionID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Active(time.Now().UTC()) {
			l = existing
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return l, l != nil, nil
}

func (g *Guard) lockInTx(tx storage.Tx, versionID string) (*Lock, error) {
	raw, ok, err := tx.Get(PREFIX_LOCK + versionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var l Lock
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", versionID, err)
	}
	return &l, nil
}

// aclKey builds the storage key for one access-control tuple.
func aclKey(resourceType, resourceID, userID, permission string) string {
	return PREFIX_ACL + resourceType + "/" + resourceID + "/" + userID + "/" + permission
}

// Grant records an ACL entry. Granting the same tuple again refreshes it.
func (g *Guard) Grant(e Entry) error {
	if e.GrantedAt.IsZero() {
		e.GrantedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	return storage.Update(g.db, func(tx storage.Tx) error {
		return tx.Set(aclKey(e.ResourceType, e.ResourceID, e.UserID, e.Permission), raw)
	})
}

// Revoke removes an ACL entry.
func (g *Guard) Revoke(resourceType, resourceID, userID, permission string) error {
	return storage.Update(g.db, func(tx storage.Tx) error {
		return tx.Delete(aclKey(resourceType, resourceID, userID, permission))
	})
}

// CheckPermission returns nil when the principal holds an unexpired grant
// for the resource, ErrPermissionDenied otherwise. Admins pass without a
// scan.
func (g *Guard) CheckPermission(p Principal, resourceType, resourceID, permission string) error {
	return storage.View(g.db, func(tx storage.Tx) error {
		return g.CheckPermissionInTx(tx, p, resourceType, resourceID, permission)
	})
}

// CheckPermissionInTx is CheckPermission inside a caller-owned
// transaction.
func (g *Guard) CheckPermissionInTx(tx storage.Tx, p Principal, resourceType, resourceID, permission string) error {
	if p.Role == RoleAdmin {
		return nil
	}
	raw, ok, err := tx.Get(aclKey(resourceType, resourceID, p.ID, permission))
	if err != nil {
		return err
	}
	if ok {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode acl entry: %w", err)
		}
		if e.ExpiresAt.IsZero() || time.Now().UTC().Before(e.ExpiresAt) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s needs %s on %s/%s",
		ErrPermissionDenied, p.ID, permission, resourceType, resourceID)
}
