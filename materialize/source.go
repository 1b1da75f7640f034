package materialize

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"

	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/persist"
)

// SourceProvider returns the canonical source bytes of a document.
type SourceProvider interface {
	Source(ctx context.Context, ref DocumentRef) ([]byte, error)
}

// BackendSource reads sources stored next to the annotations, under
// "<projectId>/<documentId>/source/<name>".
type BackendSource struct {
	backend annostore.Backend
}

// NewBackendSource returns a provider reading from backend.
func NewBackendSource(backend annostore.Backend) *BackendSource {
	return &BackendSource{backend: backend}
}

func (bs *BackendSource) Source(ctx context.Context, ref DocumentRef) ([]byte, error) {
	p := persist.SourcePath(ref.ProjectID, ref.DocumentID, ref.Name)
	ba, err := bs.backend.ReadFile(ctx, p)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, annostore.Error{
			Code:     annostore.NotFound,
			Err:      fmt.Errorf("no source file %s", p),
			UserData: ref.Key(),
		}
	}
	return ba, err
}

// PutSource stores the source file of a document.
func (bs *BackendSource) PutSource(ctx context.Context, ref DocumentRef, data []byte) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	return bs.backend.WriteFile(ctx, persist.SourcePath(ref.ProjectID, ref.DocumentID, ref.Name), data)
}
