package provider

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ensure interface is implemented
var _ Provider = (*MinioProvider)(nil)

// MinioProvider implements Provider on top of the MinIO client. It talks to
// MinIO and other S3-compatible grids that prefer the native client.
type MinioProvider struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioProvider connects to endpoint, which may carry an http:// or
// https:// scheme; https is assumed when none is given.
func NewMinioProvider(bucket, prefix string, opts S3Options) (*MinioProvider, error) {
	host, secure, err := splitEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.Secret, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioProvider{client: client, bucket: bucket, prefix: prefix}, nil
}

func splitEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("minio endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid minio endpoint %q: %w", endpoint, err)
	}
	return u.Host, u.Scheme == "https", nil
}

func translateMinioError(err error, pth string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrNotFound, pth)
	}
	return err
}

func (p *MinioProvider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := objectKey(p.prefix, pth)

	if key != "" {
		info, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
		if err == nil {
			return &fileInfo{
				name:    path.Base(key),
				size:    info.Size,
				isDir:   strings.HasSuffix(key, "/"),
				modTime: info.LastModified,
			}, nil
		}
		if err = translateMinioError(err, pth); !IsNotFound(err) {
			return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: dirPrefix(key), MaxKeys: 1}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("stat failed for %q: %w", pth, translateMinioError(obj.Err, pth))
		}
		return &fileInfo{name: path.Base(key), isDir: true}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, pth)
}

func (p *MinioProvider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	prefix := dirPrefix(objectKey(p.prefix, pth))

	var infos []FileInfo
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, translateMinioError(obj.Err, pth))
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" {
			continue
		}
		isDir := strings.HasSuffix(name, "/")
		infos = append(infos, &fileInfo{
			name:    strings.TrimSuffix(name, "/"),
			size:    obj.Size,
			isDir:   isDir,
			modTime: obj.LastModified,
		})
	}
	sortInfos(infos)
	return infos, nil
}

// OpenRead stats the object first since GetObject only reports a missing
// key on the first read.
func (p *MinioProvider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, objectKey(p.prefix, pth), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioError(err, pth)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, translateMinioError(err, pth)
	}
	return obj, nil
}

func (p *MinioProvider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	key := objectKey(p.prefix, pth)

	if metadata != nil && metadata.IsDir() {
		_, err := p.client.PutObject(ctx, p.bucket, dirPrefix(key), strings.NewReader(""), 0, minio.PutObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to write directory placeholder: %w", err)
		}
		return nopWriteCloser{}, nil
	}

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	size := int64(-1)
	if metadata != nil {
		size = metadata.Size()
		if !metadata.ModTime().IsZero() {
			opts.UserMetadata = map[string]string{mtimeMetaKey: metadata.ModTime().UTC().Format(time.RFC3339Nano)}
		}
	}

	return newAsyncWriter(func(r io.Reader) error {
		if _, err := p.client.PutObject(ctx, p.bucket, key, r, size, opts); err != nil {
			return fmt.Errorf("minio upload failed: %w", err)
		}
		return nil
	}), nil
}
