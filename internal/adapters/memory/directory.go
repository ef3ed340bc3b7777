package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/google/uuid"
)

type Directory struct {
	mu     sync.RWMutex
	courts map[uuid.UUID]domain.Court
}

func NewDirectory(courts ...domain.Court) *Directory {
	d := &Directory{courts: make(map[uuid.UUID]domain.Court)}
	for _, c := range courts {
		d.courts[c.ID] = c
	}
	return d
}

func (d *Directory) AddCourt(c domain.Court) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.courts[c.ID] = c
}

func (d *Directory) GetCourt(_ context.Context, id uuid.UUID) (domain.Court, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.courts[id]
	if !ok {
		return domain.Court{}, errors.Wrapf(domain.ErrNotFound, "court %s", id)
	}
	return c, nil
}
