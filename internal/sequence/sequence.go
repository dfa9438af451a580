// Package sequence hands out per-tenant message sequence numbers.
//
// Every allocator keeps its counter in shared storage, so numbers stay unique
// across service instances. Gaps are allowed; duplicates and reuse are not.
package sequence

import (
	"context"
	"errors"
)

// ErrStorageUnavailable is returned when a number could not be allocated.
// Callers must not create the message.
var ErrStorageUnavailable = errors.New("sequence storage unavailable")

// TenantKey scopes one counter.
type TenantKey struct {
	Namespace      string
	MunicipalityID string
}

// String formats the key for logs.
func (k TenantKey) String() string {
	return k.Namespace + "/" + k.MunicipalityID
}

// Allocator hands out sequence numbers that are unique within a tenant.
type Allocator interface {
	// Next returns the tenant's next sequence number, starting at 1.
	Next(ctx context.Context, tenant TenantKey) (int64, error)
}
