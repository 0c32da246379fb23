package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Principals is the in-memory directory of registered riders and drivers.
type Principals struct {
	mu    sync.RWMutex
	byID  map[string]models.Principal
	clock func() time.Time
}

func NewPrincipals() *Principals {
	return &Principals{byID: make(map[string]models.Principal), clock: time.Now}
}

// Register creates the principal if it does not exist yet and returns the stored record.
func (p *Principals) Register(_ context.Context, id string) (models.Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Principal{}, fmt.Errorf("%w: principal id required", models.ErrInvalidRequest)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.byID[id]; ok {
		return clonePrincipal(cur), nil
	}
	pr := models.Principal{ID: id, CreatedAt: p.clock().UTC()}
	p.byID[id] = pr
	return pr, nil
}

// SetDriverProfile attaches or replaces the driver profile of a registered principal.
func (p *Principals) SetDriverProfile(_ context.Context, id string, profile models.DriverProfile) (models.Principal, error) {
	if strings.TrimSpace(profile.LicenseNumber) == "" {
		return models.Principal{}, fmt.Errorf("%w: license number required", models.ErrInvalidRequest)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.byID[id]
	if !ok {
		return models.Principal{}, fmt.Errorf("principal %q: %w", id, models.ErrNotFound)
	}
	cur.Driver = &profile
	p.byID[id] = cur
	return clonePrincipal(cur), nil
}

func (p *Principals) Principal(_ context.Context, id string) (models.Principal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cur, ok := p.byID[id]
	if !ok {
		return models.Principal{}, fmt.Errorf("principal %q: %w", id, models.ErrNotFound)
	}
	return clonePrincipal(cur), nil
}

func clonePrincipal(pr models.Principal) models.Principal {
	if pr.Driver != nil {
		d := *pr.Driver
		pr.Driver = &d
	}
	return pr
}
