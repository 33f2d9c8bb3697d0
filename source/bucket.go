package source

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/janelia-flyem/neuronalign/morph"
)

// OpenBucket returns a blob.Bucket for the given reference.
// The reference should be of the form:
//
//	gs://<bucketname>[/<prefix>]
//	s3://<bucketname>[/<prefix>][?region=...]
//	file:///<directory>
//	mem://
//	<local directory>
//
// For gs and s3 references, a path after the bucket name becomes a key prefix.
func OpenBucket(ctx context.Context, ref string) (*blob.Bucket, error) {
	if !strings.Contains(ref, "://") {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return nil, err
		}
		ref = "file://" + filepath.ToSlash(abs)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("bad bucket reference %q: %w", ref, err)
	}
	var prefix string
	switch u.Scheme {
	case "gs", "s3":
		prefix = strings.Trim(u.Path, "/")
		u.Path = ""
	case "file", "mem":
	default:
		return nil, fmt.Errorf("unsupported bucket scheme %q in %q", u.Scheme, ref)
	}
	bucket, err := blob.OpenBucket(ctx, u.String())
	if err != nil {
		morph.Errorf("Can't open bucket reference @ %q: %v", ref, err)
		return nil, err
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix+"/")
	}
	return bucket, nil
}
