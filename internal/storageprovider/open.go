package storageprovider

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"google.golang.org/api/option"

	"github.com/getsentry/stacksampler/internal/storageutil"
)

const (
	BackendBlob = "blob"
	BackendGcs  = "gcs"
)

type Options struct {
	// Backend selects the client: BackendBlob opens Location as a gocloud
	// URL, BackendGcs opens the Cloud Storage bucket named Location.
	Backend  string
	Location string
	// Endpoint overrides the Cloud Storage endpoint.
	Endpoint string
}

// Open returns the object handler described by opts and the closer
// releasing its client.
func Open(ctx context.Context, opts Options) (storageutil.ObjectHandler, io.Closer, error) {
	switch opts.Backend {
	case BackendGcs:
		var clientOptions []option.ClientOption
		if opts.Endpoint != "" {
			clientOptions = append(clientOptions, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, clientOptions...)
		if err != nil {
			return nil, nil, fmt.Errorf("storageprovider: %w", err)
		}
		return &Gcs{BucketHandle: client.Bucket(opts.Location)}, client, nil
	case BackendBlob, "":
		bucket, err := blob.OpenBucket(ctx, opts.Location)
		if err != nil {
			return nil, nil, fmt.Errorf("storageprovider: %w", err)
		}
		return &Blob{Bucket: bucket}, bucket, nil
	default:
		return nil, nil, fmt.Errorf("storageprovider: unknown backend %q", opts.Backend)
	}
}
