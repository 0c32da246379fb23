package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// BookingStore defines persistence operations for bookings.
// UpdateBooking must only apply when the stored status still equals prev.
type BookingStore interface {
	SaveBooking(ctx context.Context, b *models.Booking) error
	UpdateBooking(ctx context.Context, b *models.Booking, prev models.BookingStatus) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[int64]models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[int64]models.Booking)}
}

func (m *MemoryStore) SaveBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return fmt.Errorf("booking %d: %w", b.ID, models.ErrConflict)
	}
	m.bookings[b.ID] = *b
	return nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *models.Booking, prev models.BookingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return fmt.Errorf("booking %d: %w", b.ID, models.ErrNotFound)
	}
	if cur.Status != prev {
		return fmt.Errorf("booking %d is %s, expected %s: %w", b.ID, cur.Status, prev, models.ErrConflict)
	}
	m.bookings[b.ID] = *b
	return nil
}

func (m *MemoryStore) Get(id int64) (models.Booking, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	return b, ok
}

// All returns every stored booking ordered by id.
func (m *MemoryStore) All() []models.Booking {
	m.mu.RLock()
	out := make([]models.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
