// Package models defines the records TAuth stores and the request identity
// it produces.
//
// Stored records embed [Meta], which gives every record an id and audit
// timestamps and lets the store treat them uniformly through the
// [Identified] and [Timestamped] capabilities. Entities form a tree of
// handles rooted at the organization "/".
//
// [Infostar] is not stored: it is the normalized identity of a single
// request, built by the authentication pipeline and attached to the
// request context.
package models

import (
	"time"
)

// RootHandle is the handle of the root organization.
const RootHandle = "/"

// Identified is implemented by records carrying a unique id.
type Identified interface {
	GetID() string
	SetID(id string)
}

// Timestamped is implemented by records carrying audit timestamps.
type Timestamped interface {
	MarkCreated(now time.Time)
	Touch(now time.Time)
}

// Meta holds the id and audit fields shared by stored records.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// GetID returns the record id.
func (m *Meta) GetID() string { return m.ID }

// SetID sets the record id.
func (m *Meta) SetID(id string) { m.ID = id }

// MarkCreated sets the creation and update times unless the record
// already has a creation time.
func (m *Meta) MarkCreated(now time.Time) {
	if !m.CreatedAt.IsZero() {
		return
	}
	m.CreatedAt = now.UTC()
	m.UpdatedAt = m.CreatedAt
}

// Touch sets the update time.
func (m *Meta) Touch(now time.Time) {
	m.UpdatedAt = now.UTC()
}

// Attribute is a name/value pair used for external ids and extras.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Lookup returns the value of the first attribute named name.
func Lookup(attrs []Attribute, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}
