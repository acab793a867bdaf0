// Copyright 2025 James Ross
package idgen

import "github.com/google/uuid"

// New returns a random job ID. The teacher's Redis keys embed
// caller-supplied IDs; here the façade owns ID assignment so every
// transport sees the same format regardless of backend.
func New() string {
	return uuid.NewString()
}
