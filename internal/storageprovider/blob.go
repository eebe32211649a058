package storageprovider

import (
	"context"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/getsentry/stacksampler/internal/storageutil"
)

// Blob implements storageutil.ObjectHandler on top of any gocloud bucket
// (file://, mem://, gs://, s3://).
type Blob struct {
	Bucket *blob.Bucket
}

func (b *Blob) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	return b.Bucket.NewWriter(ctx, name, &blob.WriterOptions{ContentType: ContentType})
}

func (b *Blob) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	r, err := b.Bucket.NewReader(ctx, name, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, storageutil.ErrObjectNotFound
		}
		return nil, err
	}
	return r, nil
}

func (b *Blob) Delete(ctx context.Context, name string) error {
	err := b.Bucket.Delete(ctx, name)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return storageutil.ErrObjectNotFound
	}
	return err
}
