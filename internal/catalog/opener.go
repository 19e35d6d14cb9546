package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// Handle is an open, random-access view of an input file, suitable for
// parquet footer and page reads.
type Handle interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// Open opens a local path or bucket URI for random access.
func Open(ctx context.Context, path string) (Handle, error) {
	if isBucketURI(path) {
		return openBucketObject(ctx, path)
	}
	return openLocal(strings.TrimPrefix(path, "file://"))
}

func isBucketURI(path string) bool {
	return strings.HasPrefix(path, "gs://") || strings.HasPrefix(path, "s3://")
}

// --- local files ---

type localHandle struct {
	f    *os.File
	size int64
}

func openLocal(path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &localHandle{f: f, size: info.Size()}, nil
}

func (h *localHandle) ReadAt(p []byte, off int64) (int, error) { return h.f.ReadAt(p, off) }
func (h *localHandle) Size() int64                             { return h.size }
func (h *localHandle) Close() error                            { return h.f.Close() }

// --- bucket objects ---

// splitBucketURI splits "gs://bucket/a/b/f.parquet" into the bucket URL and
// the object key.
func splitBucketURI(uri string) (bucketURL, key string, err error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", "", fmt.Errorf("not a bucket URI: %s", uri)
	}
	scheme := uri[:i]
	rest := uri[i+3:]

	j := strings.Index(rest, "/")
	if j < 0 {
		return scheme + "://" + rest, "", nil
	}
	return scheme + "://" + rest[:j], rest[j+1:], nil
}

type bucketHandle struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64
}

func openBucketObject(ctx context.Context, uri string) (Handle, error) {
	bucketURL, key, err := splitBucketURI(uri)
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("attributes %s: %w", uri, err)
	}

	return &bucketHandle{ctx: ctx, bucket: bucket, key: key, size: attrs.Size}, nil
}

// ReadAt issues a ranged read against the bucket object.
func (h *bucketHandle) ReadAt(p []byte, off int64) (int, error) {
	r, err := h.bucket.NewRangeReader(h.ctx, h.key, off, int64(len(p)), nil)
	if err != nil {
		return 0, fmt.Errorf("range read %s@%d: %w", h.key, off, err)
	}
	defer r.Close()

	n, err := io.ReadFull(r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (h *bucketHandle) Size() int64  { return h.size }
func (h *bucketHandle) Close() error { return h.bucket.Close() }

// listBucket enumerates ntuple objects under a bucket prefix URI.
func listBucket(ctx context.Context, dirURI string) ([]string, error) {
	bucketURL, prefix, err := splitBucketURI(dirURI)
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var paths []string
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dirURI, err)
		}
		if obj.IsDir || !IsNtupleFile(obj.Key) {
			continue
		}
		paths = append(paths, bucketURL+"/"+obj.Key)
	}
	return paths, nil
}
