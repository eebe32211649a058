package storageprovider

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"

	"github.com/getsentry/stacksampler/internal/storageutil"
)

// ContentType is set on every object written through a provider.
const ContentType = "application/x-lz4"

// Gcs implements storageutil.ObjectHandler on top of a Cloud Storage bucket.
type Gcs struct {
	BucketHandle *storage.BucketHandle
}

func (g *Gcs) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	w := g.BucketHandle.Object(name).NewWriter(ctx)
	w.ContentType = ContentType
	return w, nil
}

func (g *Gcs) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	rc, err := g.BucketHandle.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, storageutil.ErrObjectNotFound
		}
		return nil, err
	}
	return rc, nil
}

func (g *Gcs) Delete(ctx context.Context, name string) error {
	err := g.BucketHandle.Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return storageutil.ErrObjectNotFound
	}
	return err
}
