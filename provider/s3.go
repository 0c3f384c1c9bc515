package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensure interface is implemented
var _ Provider = (*S3Provider)(nil)

// S3Options carries the connection details of an S3-compatible grid.
// Empty fields fall back to the default AWS configuration chain.
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	Secret    string
}

type S3Provider struct {
	client   *s3.Client
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Provider creates a new S3Provider.
// bucket is the S3 bucket name, prefix the zone every key lives under.
func NewS3Provider(ctx context.Context, bucket, prefix string, opts S3Options) (*S3Provider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.Secret, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Provider{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (p *S3Provider) buildKey(subPath string) string {
	return objectKey(p.prefix, subPath)
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// Stat returns the FileInfo for the given path.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)

	// exact match
	if key != "" {
		headOut, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return &fileInfo{
				name:    path.Base(key),
				size:    aws.ToInt64(headOut.ContentLength),
				isDir:   strings.HasSuffix(key, "/"),
				modTime: aws.ToTime(headOut.LastModified),
			}, nil
		}
		if !isS3NotFound(err) {
			return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
		}
	}

	// maybe a directory? Let's check prefix
	listOut, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}
	if len(listOut.Contents) > 0 || len(listOut.CommonPrefixes) > 0 {
		return &fileInfo{name: path.Base(key), isDir: true}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, pth)
}

// List returns the contents of the given directory.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	prefix := dirPrefix(p.buildKey(pth))

	var infos []FileInfo
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			infos = append(infos, &fileInfo{name: name, isDir: true})
		}

		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" { // the directory marker itself
				continue
			}
			isDir := strings.HasSuffix(name, "/")
			infos = append(infos, &fileInfo{
				name:    strings.TrimSuffix(name, "/"),
				size:    aws.ToInt64(obj.Size),
				isDir:   isDir,
				modTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	sortInfos(infos)
	return infos, nil
}

// OpenRead opens a file for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, pth)
		}
		return nil, fmt.Errorf("failed to open read %q: %w", pth, err)
	}
	return out.Body, nil
}

// OpenWrite opens a file for streaming writes. The object is uploaded by
// the multipart uploader and only becomes visible when Close succeeds.
func (p *S3Provider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	key := p.buildKey(pth)

	if metadata != nil && metadata.IsDir() {
		// a 0-byte object ending in '/' stands in for the directory
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(dirPrefix(key)),
			Body:   strings.NewReader(""),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write directory placeholder: %w", err)
		}
		return nopWriteCloser{}, nil
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if metadata != nil && !metadata.ModTime().IsZero() {
		input.Metadata = map[string]string{mtimeMetaKey: metadata.ModTime().UTC().Format(time.RFC3339Nano)}
	}

	return newAsyncWriter(func(r io.Reader) error {
		input.Body = r
		if _, err := p.uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("s3 upload failed: %w", err)
		}
		return nil
	}), nil
}

// mtimeMetaKey stores the source modification time on uploaded objects.
const mtimeMetaKey = "src-mtime"

func sortInfos(infos []FileInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
}
