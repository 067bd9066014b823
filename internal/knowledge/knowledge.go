// Package knowledge is the client side of the external knowledge store that
// repository files are synchronized into.
package knowledge

import "context"

// Store holds repository file contents for later reference by generation
// jobs. Implementations issue an opaque id per uploaded file.
type Store interface {
	Upload(ctx context.Context, name string, content []byte) (string, error)
	Delete(ctx context.Context, externalID string) error
}
