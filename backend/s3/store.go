// Package s3 implements the storage backend adapter for an S3 bucket with an
// optional key prefix.
package s3

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/zeebo/errs"

	"github.com/benediktbwimmer/apphub-sub012/backend"
)

// Error is the errs class for s3 backend failures.
var Error = errs.Class("s3 backend")

// checksumMetadataKey is the object metadata key carrying the sha256 checksum
// computed on upload.
const checksumMetadataKey = "Sha256"

// bufferedUploadLimit is the largest blob that is buffered in memory so the
// checksum can be attached as object metadata. Larger blobs stream through
// the multipart uploader without metadata.
const bufferedUploadLimit = 8 << 20

// Config describes a bucket binding.
type Config struct {
	Bucket          string `help:"bucket holding the artifacts" default:""`
	Prefix          string `help:"key prefix below which all artifacts live" default:""`
	Endpoint        string `help:"s3 endpoint override for non-aws deployments" default:""`
	Region          string `help:"bucket region" default:"us-east-1"`
	AccessKeyID     string `help:"access key id" default:""`
	SecretAccessKey string `help:"secret access key" default:""`
	ForcePathStyle  bool   `help:"use path style addressing" default:"false"`
}

// Store is a backend.Adapter bound to a bucket and prefix.
type Store struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// New creates a Store from the given configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, Error.New("bucket is required")
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	awsCfg = awsCfg.WithS3ForcePathStyle(cfg.ForcePathStyle)

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	svc := s3.New(sess)

	return &Store{
		svc:      svc,
		uploader: s3manager.NewUploaderWithClient(svc),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Driver implements backend.Adapter.
func (store *Store) Driver() string { return backend.DriverS3 }

func (store *Store) key(p string) (string, error) {
	rel, err := backend.ResolvePath(p)
	if err != nil {
		return "", err
	}
	if store.prefix == "" {
		return rel, nil
	}
	if rel == "" {
		return store.prefix, nil
	}
	return store.prefix + "/" + rel, nil
}

// Stat implements backend.Adapter. A 404 on HEAD means the key does not exist
// as an object; directory presence is then inferred from a non-empty listing
// under the "<key>/" prefix.
func (store *Store) Stat(ctx context.Context, p string) (backend.StatInfo, error) {
	key, err := store.key(p)
	if err != nil {
		return backend.StatInfo{}, err
	}

	if key != "" {
		head, err := store.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(store.bucket),
			Key:    aws.String(key),
		})
		switch {
		case err == nil:
			info := backend.StatInfo{
				Exists:    true,
				Kind:      backend.KindFile,
				SizeBytes: aws.Int64Value(head.ContentLength),
			}
			if head.LastModified != nil {
				info.LastModified = head.LastModified.UTC()
			}
			if sum, ok := head.Metadata[checksumMetadataKey]; ok {
				info.Checksum = aws.StringValue(sum)
			}
			return info, nil
		case !isNotFound(err):
			return backend.StatInfo{}, wrapAWS(err)
		}
	}

	nonEmpty, err := store.hasChildren(ctx, key)
	if err != nil {
		return backend.StatInfo{}, err
	}
	if !nonEmpty {
		return backend.StatInfo{Exists: false}, nil
	}
	return backend.StatInfo{Exists: true, Kind: backend.KindDirectory}, nil
}

func (store *Store) hasChildren(ctx context.Context, key string) (bool, error) {
	prefix := key
	if prefix != "" {
		prefix += "/"
	}
	out, err := store.svc.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(store.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return false, wrapAWS(err)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// ReadStream implements backend.Adapter.
func (store *Store) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := store.key(p)
	if err != nil {
		return nil, err
	}
	out, err := store.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, backend.ErrNotFound.New("%s", p)
	}
	if err != nil {
		return nil, wrapAWS(err)
	}
	return out.Body, nil
}

// WriteBlob implements backend.Adapter. Small blobs are buffered so the
// checksum can be stored as object metadata; larger blobs stream through the
// multipart uploader.
func (store *Store) WriteBlob(ctx context.Context, p string, r io.Reader) (backend.WriteResult, error) {
	key, err := store.key(p)
	if err != nil {
		return backend.WriteResult{}, err
	}

	head := make([]byte, bufferedUploadLimit+1)
	n, err := io.ReadFull(r, head)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return store.putBuffered(ctx, key, head[:n])
	case err != nil:
		return backend.WriteResult{}, Error.Wrap(err)
	default:
		return store.putStreaming(ctx, key, io.MultiReader(bytes.NewReader(head), r))
	}
}

func (store *Store) putBuffered(ctx context.Context, key string, data []byte) (backend.WriteResult, error) {
	checksum := backend.ChecksumBytes(data)
	_, err := store.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(store.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: map[string]*string{checksumMetadataKey: aws.String(checksum)},
	})
	if err != nil {
		return backend.WriteResult{}, wrapAWS(err)
	}
	return backend.WriteResult{SizeBytes: int64(len(data)), Checksum: checksum}, nil
}

func (store *Store) putStreaming(ctx context.Context, key string, r io.Reader) (backend.WriteResult, error) {
	check := backend.NewChecksumWriter()
	_, err := store.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
		Body:   io.TeeReader(r, check),
	})
	if err != nil {
		return backend.WriteResult{}, wrapAWS(err)
	}
	return backend.WriteResult{SizeBytes: check.SizeBytes(), Checksum: check.Checksum()}, nil
}

// EnsureDirectory implements backend.Adapter. S3 has no directories; a
// zero-byte marker object under "<key>/" makes the prefix listable.
func (store *Store) EnsureDirectory(ctx context.Context, p string) error {
	key, err := store.key(p)
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	_, err = store.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key + "/"),
		Body:   bytes.NewReader(nil),
	})
	return wrapAWS(err)
}

// List implements backend.Adapter.
func (store *Store) List(ctx context.Context, p string) ([]backend.ListEntry, error) {
	key, err := store.key(p)
	if err != nil {
		return nil, err
	}
	prefix := key
	if prefix != "" {
		prefix += "/"
	}

	var entries []backend.ListEntry
	err = store.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(store.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(cp.Prefix), prefix), "/")
			if name != "" {
				entries = append(entries, backend.ListEntry{Name: name, Kind: backend.KindDirectory})
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if name != "" && !strings.Contains(name, "/") {
				entries = append(entries, backend.ListEntry{Name: name, Kind: backend.KindFile})
			}
		}
		return true
	})
	if err != nil {
		return nil, wrapAWS(err)
	}
	return entries, nil
}

// Delete implements backend.Adapter.
func (store *Store) Delete(ctx context.Context, p string, recursive bool) error {
	key, err := store.key(p)
	if err != nil {
		return err
	}
	_, err = store.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return wrapAWS(err)
	}
	if !recursive {
		return nil
	}
	return store.deletePrefix(ctx, key+"/")
}

func (store *Store) deletePrefix(ctx context.Context, prefix string) error {
	keys, err := store.listKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for len(keys) > 0 {
		batch := keys
		if len(batch) > 1000 {
			batch = batch[:1000]
		}
		keys = keys[len(batch):]

		objects := make([]*s3.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := store.svc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(store.bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return wrapAWS(err)
		}
	}
	return nil
}

func (store *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := store.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(store.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, wrapAWS(err)
	}
	return keys, nil
}

// Move implements backend.Adapter as copy followed by delete; S3 has no
// rename primitive.
func (store *Store) Move(ctx context.Context, src, dst string) error {
	if err := store.Copy(ctx, src, dst); err != nil {
		return err
	}
	return store.Delete(ctx, src, true)
}

// Copy implements backend.Adapter.
func (store *Store) Copy(ctx context.Context, src, dst string) error {
	srcKey, err := store.key(src)
	if err != nil {
		return err
	}
	dstKey, err := store.key(dst)
	if err != nil {
		return err
	}

	exists, err := store.copyObject(ctx, srcKey, dstKey)
	if err != nil {
		return err
	}

	keys, err := store.listKeys(ctx, srcKey+"/")
	if err != nil {
		return err
	}
	if !exists && len(keys) == 0 {
		return backend.ErrNotFound.New("%s", src)
	}
	for _, k := range keys {
		rebased := dstKey + strings.TrimPrefix(k, srcKey)
		if _, err := store.copyObject(ctx, k, rebased); err != nil {
			return err
		}
	}
	return nil
}

func (store *Store) copyObject(ctx context.Context, srcKey, dstKey string) (existed bool, err error) {
	_, err = store.svc.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(store.bucket),
		CopySource: aws.String(store.bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapAWS(err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var aerr awserr.Error
	if ok := errs.IsFunc(err, func(err error) bool {
		var ok bool
		aerr, ok = err.(awserr.Error)
		return ok
	}); !ok {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound", "NoSuchKey":
		return true
	}
	if reqErr, ok := aerr.(awserr.RequestFailure); ok {
		return reqErr.StatusCode() == 404
	}
	return false
}

func wrapAWS(err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if errs.IsFunc(err, func(err error) bool {
		var ok bool
		aerr, ok = err.(awserr.Error)
		return ok
	}) && aerr.Code() == "RequestError" {
		return backend.ErrUnavailable.Wrap(err)
	}
	return Error.Wrap(err)
}
