package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	licenseErrors "keymint/internal/errors"
	"keymint/internal/license"
)

// MemoryLicenseStore is the in-memory license store. Mutations are
// serialized per license id with a dedicated lock so activation and status
// transitions never interleave for the same license; reads copy out under
// the table lock.
type MemoryLicenseStore struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]license.License
	byOwner  map[string]uuid.UUID // product|customer -> license id
	rowLocks sync.Map             // uuid.UUID -> *sync.Mutex
}

// NewMemoryLicenseStore creates an empty license store
func NewMemoryLicenseStore() *MemoryLicenseStore {
	return &MemoryLicenseStore{
		byID:    make(map[uuid.UUID]license.License),
		byOwner: make(map[string]uuid.UUID),
	}
}

func ownerKey(productID, customerID string) string {
	return productID + "|" + customerID
}

func (s *MemoryLicenseStore) rowLock(id uuid.UUID) *sync.Mutex {
	lock, _ := s.rowLocks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Save persists a new license. Both uniqueness checks and the writes happen
// under one table lock: a second save for the same (product, customer) pair
// loses with ErrStateConflict instead of silently replacing the winner's
// owner binding.
func (s *MemoryLicenseStore) Save(ctx context.Context, lic license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[lic.ID]; exists {
		return fmt.Errorf("license %s already exists", lic.ID)
	}
	owner := ownerKey(lic.ProductID, lic.CustomerID)
	if existing, exists := s.byOwner[owner]; exists {
		return fmt.Errorf("license %s already bound to %s/%s: %w",
			existing, lic.ProductID, lic.CustomerID, licenseErrors.ErrStateConflict)
	}
	s.byID[lic.ID] = cloneLicense(lic)
	s.byOwner[owner] = lic.ID
	return nil
}

// FindByID returns a copy of the license with the given id
func (s *MemoryLicenseStore) FindByID(ctx context.Context, id uuid.UUID) (license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.byID[id]
	if !ok {
		return license.License{}, licenseErrors.ErrLicenseUnknown
	}
	return cloneLicense(lic), nil
}

// FindByOwner returns the license bound to (product, customer)
func (s *MemoryLicenseStore) FindByOwner(ctx context.Context, productID, customerID string) (license.License, error) {
	s.mu.RLock()
	id, ok := s.byOwner[ownerKey(productID, customerID)]
	s.mu.RUnlock()
	if !ok {
		return license.License{}, licenseErrors.ErrLicenseUnknown
	}
	return s.FindByID(ctx, id)
}

// Mutate applies fn to the license under its row lock and commits the result
// if fn succeeds. This is the single-writer section that closes the
// concurrent-activation race: no two callers can both observe spare
// activation capacity for the same license.
func (s *MemoryLicenseStore) Mutate(ctx context.Context, id uuid.UUID, fn func(*license.License) error) (license.License, error) {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return license.License{}, licenseErrors.ErrLicenseUnknown
	}

	working := cloneLicense(current)
	if err := fn(&working); err != nil {
		return license.License{}, err
	}

	s.mu.Lock()
	s.byID[id] = cloneLicense(working)
	s.mu.Unlock()
	return working, nil
}

// cloneLicense deep-copies the activations slice so callers can never alias
// stored state
func cloneLicense(lic license.License) license.License {
	out := lic
	if lic.Activations != nil {
		out.Activations = make([]license.ActivationRecord, len(lic.Activations))
		copy(out.Activations, lic.Activations)
	}
	if lic.Signature != nil {
		out.Signature = append([]byte(nil), lic.Signature...)
	}
	if lic.ExpiresAt != nil {
		t := *lic.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
