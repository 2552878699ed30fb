package model

import (
	"fmt"
	"strings"
	"time"
)

// Student is a reference directory entry. The coordinator owns it; terminals keep a
// read-only mirror replaced wholesale on every directory push.
type Student struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Group      string            `json:"group,omitempty"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Validate checks the fields ingestion relies on
func (s Student) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("student %q has no name", s.ID)
	}
	return nil
}

// Clone returns a deep copy
func (s Student) Clone() Student {
	c := s
	if s.Attributes != nil {
		c.Attributes = make(map[string]string, len(s.Attributes))
		for k, v := range s.Attributes {
			c.Attributes[k] = v
		}
	}
	return c
}
