// Package storage persists the list of session descriptors the bridge needs to
// recreate its sessions after a restart.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDescriptor is returned when a descriptor is missing required
// fields.
var ErrInvalidDescriptor = errors.New("invalid session descriptor")

// Descriptor is the persisted subset of a session. Runtime state such as the
// thread id and message log is not persisted.
type Descriptor struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Model          string `json:"model"`
	Cwd            string `json:"cwd"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
}

// Validate checks the fields needed to recreate the session.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(d.Cwd) == "" {
		return fmt.Errorf("%w: %s: missing cwd", ErrInvalidDescriptor, d.ID)
	}
	return nil
}

// Store persists descriptors. Save always replaces the whole list.
type Store interface {
	Load(ctx context.Context) ([]Descriptor, error)
	Save(ctx context.Context, descriptors []Descriptor) error
	Close() error
}

// Open returns the store for driver ("file" or "sqlite") rooted at dir.
func Open(driver string, dir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "file", "json":
		return NewFileStore(dir), nil
	case "sqlite", "sqlite3":
		store, err := OpenSQLite(dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
