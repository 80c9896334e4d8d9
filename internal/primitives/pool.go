// Package primitives is the reference, single-node implementation of the
// opaque Pool / Channel / Connection capability objects described in
// spec.md §3. The real Dragon runtime backs these with cross-process shared
// memory and a lock-free queue; that implementation is explicitly out of
// scope (§1). This package exists only so the rest of Local Services has a
// concrete, testable thing to create/destroy/attach — swapping it for the
// real library means reimplementing this package's exported surface, nothing
// else (see SPEC_FULL.md §3.1 and DESIGN.md).
package primitives

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Pool is an opaque shared-memory arena identified by a globally unique
// m_uid. The arena is a plain byte slice standing in for a real shared
// memory segment.
type Pool struct {
	MUID int64
	Size uint64
	Name string

	arena []byte
}

type poolDescriptor struct {
	MUID int64  `json:"m_uid"`
	Size uint64 `json:"size"`
	Name string `json:"name"`
}

// NewPool allocates an arena of the requested size.
func NewPool(muid int64, size uint64, name string) *Pool {
	return &Pool{MUID: muid, Size: size, Name: name, arena: make([]byte, size)}
}

// Descriptor returns the stable, opaque, base64-encoded descriptor a remote
// party uses to attach to this pool (§4.2).
func (p *Pool) Descriptor() string {
	b, _ := json.Marshal(poolDescriptor{MUID: p.MUID, Size: p.Size, Name: p.Name})
	return base64.StdEncoding.EncodeToString(b)
}

// Destroy releases the arena. Idempotent: calling twice is a no-op.
func (p *Pool) Destroy() error {
	if p.arena == nil {
		return nil
	}
	p.arena = nil
	return nil
}

// DecodePoolDescriptor parses a descriptor produced by Descriptor.
func DecodePoolDescriptor(desc string) (muid int64, size uint64, name string, err error) {
	raw, err := base64.StdEncoding.DecodeString(desc)
	if err != nil {
		return 0, 0, "", fmt.Errorf("primitives: decode pool descriptor: %w", err)
	}
	var d poolDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, 0, "", fmt.Errorf("primitives: unmarshal pool descriptor: %w", err)
	}
	return d.MUID, d.Size, d.Name, nil
}
