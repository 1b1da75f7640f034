package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/annostore"
)

// API is the subset of the S3 client the bucket uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Bucket implements annostore.Backend on one bucket, optionally under a key prefix.
type Bucket struct {
	api    API
	bucket string
	prefix string
}

var _ annostore.Backend = (*Bucket)(nil)

// NewBucket returns a backend storing objects in bucket under prefix.
func NewBucket(api API, bucket, prefix string) (*Bucket, error) {
	if api == nil {
		return nil, fmt.Errorf("s3 client can't be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name can't be empty")
	}
	return &Bucket{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// Open connects to the configured endpoint and returns the bucket backend.
func Open(config annostore.S3Config) (*Bucket, error) {
	return NewBucket(Connect(config), config.Bucket, config.Prefix)
}

func (b *Bucket) objectKey(name string) string {
	k := strings.TrimPrefix(path.Clean("/"+name), "/")
	if b.prefix == "" || k == "" {
		return b.prefix + k
	}
	return b.prefix + "/" + k
}

func (b *Bucket) dirPrefix(dir string) string {
	k := b.objectKey(dir)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (b *Bucket) wrap(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return &iofs.PathError{Op: op, Path: name, Err: iofs.ErrNotExist}
	}
	return &iofs.PathError{Op: op, Path: name, Err: err}
}

func (b *Bucket) ReadFile(ctx context.Context, name string) ([]byte, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		return nil, b.wrap("read", name, err)
	}
	defer out.Body.Close()
	ba, err := io.ReadAll(out.Body)
	return ba, b.wrap("read", name, err)
}

func (b *Bucket) WriteFile(ctx context.Context, name string, data []byte) error {
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return b.wrap("write", name, err)
}

func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// Rename copies oldName to newName, then deletes oldName.
func (b *Bucket) Rename(ctx context.Context, oldName, newName string) error {
	_, err := b.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.objectKey(newName)),
		CopySource: aws.String(copySource(b.bucket, b.objectKey(oldName))),
	})
	if err != nil {
		return b.wrap("rename", oldName, err)
	}
	return b.Remove(ctx, oldName)
}

// Remove deletes name. Like S3 itself, removing a missing object succeeds.
func (b *Bucket) Remove(ctx context.Context, name string) error {
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(name)),
	})
	return b.wrap("remove", name, err)
}

func (b *Bucket) Stat(ctx context.Context, name string) (annostore.ObjectInfo, error) {
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		return annostore.ObjectInfo{}, b.wrap("stat", name, err)
	}
	return annostore.ObjectInfo{
		Name:    path.Base(name),
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

func (b *Bucket) list(ctx context.Context, prefix string, delimited bool, f func(types.Object)) error {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	if delimited {
		in.Delimiter = aws.String("/")
	}
	p := s3.NewListObjectsV2Paginator(b.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, o := range page.Contents {
			f(o)
		}
	}
	return nil
}

// List returns the objects directly under dir.
func (b *Bucket) List(ctx context.Context, dir string) ([]annostore.ObjectInfo, error) {
	prefix := b.dirPrefix(dir)
	var r []annostore.ObjectInfo
	err := b.list(ctx, prefix, true, func(o types.Object) {
		name := strings.TrimPrefix(aws.ToString(o.Key), prefix)
		if name == "" || strings.Contains(name, "/") {
			return
		}
		r = append(r, annostore.ObjectInfo{
			Name:    name,
			Size:    aws.ToInt64(o.Size),
			ModTime: aws.ToTime(o.LastModified),
		})
	})
	if err != nil {
		return nil, b.wrap("list", dir, err)
	}
	return r, nil
}

// RemoveAll deletes every object under dir.
func (b *Bucket) RemoveAll(ctx context.Context, dir string) error {
	if strings.Trim(path.Clean("/"+dir), "/") == "" {
		return fmt.Errorf("refusing to remove the root of bucket %s", b.bucket)
	}
	prefix := b.dirPrefix(dir)
	var keys []string
	if err := b.list(ctx, prefix, false, func(o types.Object) {
		keys = append(keys, aws.ToString(o.Key))
	}); err != nil {
		return b.wrap("removeall", dir, err)
	}
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, k := range keys {
		k := k
		eg.Go(func() error {
			_, err := b.api.DeleteObject(ectx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(k),
			})
			return err
		})
	}
	return b.wrap("removeall", dir, eg.Wait())
}
