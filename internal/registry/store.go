// Package registry persists named slot definitions.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/vizlab/slotbox/internal/slot"
)

var (
	// ErrNotFound reports an update or delete against a missing slot.
	ErrNotFound = errors.New("slot not found")
	// ErrDuplicateName reports a name collision on create or rename.
	ErrDuplicateName = errors.New("slot name already exists")
)

// Definition is a stored slot: named code plus its execution defaults.
// Code is persisted exactly as registered; it is re-validated on every run.
type Definition struct {
	ID           string       `json:"id" bson:"_id"`
	Name         string       `json:"name" bson:"name"`
	Description  string       `json:"description,omitempty" bson:"description,omitempty"`
	Code         string       `json:"code" bson:"code"`
	OutputSchema *slot.Schema `json:"outputSchema,omitempty" bson:"output_schema,omitempty"`
	TimeoutMs    int          `json:"timeoutMs,omitempty" bson:"timeout_ms,omitempty"`
	CreatedAt    time.Time    `json:"createdAt" bson:"created_at"`
	UpdatedAt    time.Time    `json:"updatedAt" bson:"updated_at"`
}

// Filter defines listing options.
type Filter struct {
	Name   string
	Limit  int
	Offset int
}

// defaultListLimit caps unbounded listings.
const defaultListLimit = 100

// Store persists slot definitions. Lookups return (nil, nil) when the slot
// does not exist; Update and Delete return ErrNotFound instead so callers
// can distinguish a no-op.
type Store interface {
	Create(ctx context.Context, def *Definition) error
	Update(ctx context.Context, def *Definition) error
	Get(ctx context.Context, id string) (*Definition, error)
	GetByName(ctx context.Context, name string) (*Definition, error)
	List(ctx context.Context, filter Filter) ([]Definition, error)
	Delete(ctx context.Context, id string) error
	Close(ctx context.Context) error
}
