// Package s3 implements a driver.Storage against Amazon S3 and
// S3-compatible object stores, grounded on Perkeep's pkg/blobserver/s3
// (newFromConfig's hostname/bucket/dirPrefix/startup-check shape) with the
// homegrown misc/amazon/s3 client replaced by the real
// github.com/aws/aws-sdk-go, since S3 here backs general object storage
// rather than content-addressed blobs and needs presigned URLs and
// multipart uploads the homegrown client doesn't offer.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/cloudpaste/gateway/internal/driver"
)

// defaultPartSize is the 8 MiB part size InitMultipart splits per_part_url
// multipart uploads into; the advertised floor (PartSizeMin) is 5 MiB.
const (
	defaultPartSize = 8 << 20
	maxPartsPerPut  = 10000
)

type Storage struct {
	client    *s3.S3
	bucket    string
	dirPrefix string
	uploadTTL time.Duration
}

var (
	_ driver.Storage       = (*Storage)(nil)
	_ driver.Presigner     = (*Storage)(nil)
	_ driver.Multiparter   = (*Storage)(nil)
)

func init() {
	driver.Register("s3", newFromConfig)
}

func newFromConfig(cfg driver.Config) (driver.Storage, error) {
	bucket := cfg.Params["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3: missing required param %q", "bucket")
	}
	dirPrefix := cfg.Params["prefix"]
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}
	endpoint := cfg.Params["endpoint"] // non-empty for R2/MinIO/other S3-compatible hosts
	region := cfg.Params["region"]
	if region == "" {
		region = "us-east-1"
	}
	forcePathStyle := endpoint != ""

	awsCfg := aws.NewConfig().
		WithRegion(region).
		WithS3ForcePathStyle(forcePathStyle)
	if endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(endpoint)
	}
	accessKey := cfg.Credentials["access_key_id"]
	secretKey := cfg.Credentials["secret_access_key"]
	if accessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(accessKey, secretKey, cfg.Credentials["session_token"]))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3: building session: %w", err)
	}
	return &Storage{
		client:    s3.New(sess),
		bucket:    bucket,
		dirPrefix: dirPrefix,
		uploadTTL: 15 * time.Minute,
	}, nil
}

func (s *Storage) Name() string { return "s3" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendStream: true, PresignedSingle: true, Multipart: true,
			List: true, Stat: true, Read: true, Range: true, Write: true,
			Delete: true, Rename: true, Copy: true, Mkdir: true, Quota: false,
		},
		Share: driver.ShareCapabilities{Presigned: true, BackendStream: true},
		Multipart: driver.MultipartCapabilities{
			Strategy:           driver.StrategyPerPartURL,
			PartsLedgerPolicy:  driver.LedgerServerCanList,
			SigningMode:        driver.SigningBatched,
			ServerCanList:      true,
			MaxPartsPerRequest: maxPartsPerPut,
			URLTTL:             15 * time.Minute,
			RetryPolicy:        driver.DefaultRetryPolicy,
			PartSizeMin:        5 << 20,
			PartSizeMax:        5 << 30,
		},
	}
}

func (s *Storage) key(p string) string {
	return s.dirPrefix + strings.TrimPrefix(path.Clean("/"+p), "/")
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	prefix := s.key(p)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(1000),
	}
	if opts.Cursor != "" {
		in.ContinuationToken = aws.String(opts.Cursor)
	}
	if opts.Limit > 0 {
		in.MaxKeys = aws.Int64(int64(opts.Limit))
	}
	out, err := s.client.ListObjectsV2WithContext(ctx, in)
	if err != nil {
		return driver.ListResult{}, driver.ErrUpstreamTransient(err, "s3 list %s", p)
	}
	entries := make([]driver.Entry, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(cp.Prefix), prefix), "/")
		entries = append(entries, driver.Entry{Key: strings.TrimPrefix(aws.StringValue(cp.Prefix), s.dirPrefix), Name: name, IsDir: true, Type: driver.TypeDirectory})
	}
	for _, obj := range out.Contents {
		key := aws.StringValue(obj.Key)
		if key == prefix {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		entries = append(entries, driver.Entry{
			Key: strings.TrimPrefix(key, s.dirPrefix), Name: name, Size: aws.Int64Value(obj.Size),
			ModifiedAt: aws.TimeValue(obj.LastModified), ETag: strings.Trim(aws.StringValue(obj.ETag), `"`),
			Type: entryTypeOf(name),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	result := driver.ListResult{Entries: entries, Truncated: aws.BoolValue(out.IsTruncated)}
	if result.Truncated {
		result.NextCursor = aws.StringValue(out.NextContinuationToken)
	}
	return result, nil
}

func entryTypeOf(name string) driver.EntryType {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".mp4", ".mkv", ".mov", ".webm":
		return driver.TypeVideo
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return driver.TypeImage
	case ".mp3", ".wav", ".flac":
		return driver.TypeAudio
	case ".zip", ".tar", ".gz", ".7z":
		return driver.TypeArchive
	case ".pdf", ".doc", ".docx", ".md", ".txt":
		return driver.TypeDocument
	default:
		return driver.TypeOther
	}
}

func (s *Storage) Stat(ctx context.Context, p string) (driver.Entry, error) {
	key := s.key(p)
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return driver.Entry{}, driver.ErrNotFound(p)
		}
		return driver.Entry{}, driver.ErrUpstreamTransient(err, "s3 head %s", p)
	}
	return driver.Entry{
		Key: strings.TrimPrefix(key, s.dirPrefix), Name: path.Base(p), Size: aws.Int64Value(out.ContentLength),
		ModifiedAt: aws.TimeValue(out.LastModified), ETag: strings.Trim(aws.StringValue(out.ETag), `"`),
		Type: entryTypeOf(p),
	}, nil
}

func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	key := s.key(p)
	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	if rng != nil {
		end := ""
		if rng.End >= 0 {
			end = fmt.Sprintf("%d", rng.End)
		}
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%s", rng.Start, end))
	}
	out, err := s.client.GetObjectWithContext(ctx, in)
	if err != nil {
		if isNotFound(err) {
			return driver.ReadResult{}, driver.ErrNotFound(p)
		}
		return driver.ReadResult{}, driver.ErrUpstreamTransient(err, "s3 get %s", p)
	}
	return driver.ReadResult{
		Reader: out.Body, ContentType: aws.StringValue(out.ContentType), Size: aws.Int64Value(out.ContentLength),
		ETag: strings.Trim(aws.StringValue(out.ETag), `"`), ContentRange: aws.StringValue(out.ContentRange),
	}, nil
}

func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	key := s.key(p)
	data, err := io.ReadAll(r)
	if err != nil {
		return driver.WriteResult{}, err
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket), Key: aws.String(key), Body: aws.ReadSeekCloser(bytes.NewReader(data)),
		ContentType: aws.String(opts.ContentType),
	}
	if opts.IfNoneMatch {
		in.SetIfNoneMatch("*")
	}
	out, err := s.client.PutObjectWithContext(ctx, in)
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "PreconditionFailed" {
			return driver.WriteResult{}, driver.ErrConflict(p)
		}
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "s3 put %s", p)
	}
	return driver.WriteResult{ETag: strings.Trim(aws.StringValue(out.ETag), `"`)}, nil
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	key := s.key(p)
	if !recursive {
		_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err != nil {
			return driver.ErrUpstreamTransient(err, "s3 delete %s", p)
		}
		return nil
	}
	prefix := key
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var token *string
	for {
		out, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket), Prefix: aws.String(prefix), ContinuationToken: token,
		})
		if err != nil {
			return driver.ErrUpstreamTransient(err, "s3 list for delete %s", p)
		}
		if len(out.Contents) > 0 {
			ids := make([]*s3.ObjectIdentifier, 0, len(out.Contents))
			for _, obj := range out.Contents {
				ids = append(ids, &s3.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket), Delete: &s3.Delete{Objects: ids},
			}); err != nil {
				return driver.ErrUpstreamTransient(err, "s3 batch delete %s", p)
			}
		}
		if !aws.BoolValue(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return nil
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	// S3 has no real directories; a zero-byte key with a trailing slash is
	// the conventional placeholder some UIs expect.
	key := s.key(p)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key), Body: aws.ReadSeekCloser(bytes.NewReader(nil))})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "s3 mkdir %s", p)
	}
	return nil
}

func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst, false); err != nil {
		return err
	}
	return s.Delete(ctx, src, false)
}

func (s *Storage) Copy(ctx context.Context, src, dst string, skipExisting bool) error {
	srcKey, dstKey := s.key(src), s.key(dst)
	if skipExisting {
		if _, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(dstKey)}); err == nil {
			return nil
		}
	}
	_, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket: aws.String(s.bucket), Key: aws.String(dstKey),
		CopySource: aws.String(s.bucket + "/" + srcKey),
	})
	if err != nil {
		if isNotFound(err) {
			return driver.ErrNotFound(src)
		}
		return driver.ErrUpstreamTransient(err, "s3 copy %s -> %s", src, dst)
	}
	return nil
}

// PresignSingle implements driver.Presigner for the presigned-single
// upload strategy (spec.md §4.2).
func (s *Storage) PresignSingle(ctx context.Context, p string, size int64, contentType string, sha256 string) (driver.PresignResult, error) {
	key := s.key(p)
	req, _ := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket), Key: aws.String(key), ContentType: aws.String(contentType),
	})
	url, headers, err := req.PresignRequest(s.uploadTTL)
	if err != nil {
		return driver.PresignResult{}, driver.ErrUpstreamFatal(err, "s3 presign %s", p)
	}
	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			hdrs[k] = v[0]
		}
	}
	return driver.PresignResult{Method: "PUT", URL: url, Headers: hdrs}, nil
}

func (s *Storage) CommitPresigned(ctx context.Context, targetPath, etag, contentType string, size int64) error {
	// S3 already registers the object on PUT; a HEAD verifies it landed,
	// matching spec.md §4.2's idempotent-by-(path,etag) commit contract.
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(targetPath))})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "s3 commit verify %s", targetPath)
	}
	return nil
}

// InitMultipart implements driver.Multiparter's per_part_url strategy:
// eager-sign every part up front (spec.md §4.3's signing_mode=eager/batched
// distinction; S3 tolerates eager since URLs are cheap to mint).
func (s *Storage) InitMultipart(ctx context.Context, p string, size int64, contentType string, sha256 string) (driver.InitMultipartResult, error) {
	key := s.key(p)
	out, err := s.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket), Key: aws.String(key), ContentType: aws.String(contentType),
	})
	if err != nil {
		return driver.InitMultipartResult{}, driver.ErrUpstreamTransient(err, "s3 create multipart %s", p)
	}
	partSize := int64(defaultPartSize)
	totalParts := int((size + partSize - 1) / partSize)
	if totalParts < 1 {
		totalParts = 1
	}
	partNumbers := make([]int, totalParts)
	for i := range partNumbers {
		partNumbers[i] = i + 1
	}
	signed, err := s.signParts(ctx, key, aws.StringValue(out.UploadId), partNumbers)
	if err != nil {
		return driver.InitMultipartResult{}, err
	}
	return driver.InitMultipartResult{
		Strategy: driver.StrategyPerPartURL, UploadID: aws.StringValue(out.UploadId), Key: p,
		PartSize: partSize, TotalParts: totalParts, PresignedURLs: signed, Policy: s.Capabilities().Multipart,
	}, nil
}

func (s *Storage) signParts(ctx context.Context, key, uploadID string, partNumbers []int) ([]driver.PresignedURL, error) {
	urls := make([]driver.PresignedURL, 0, len(partNumbers))
	expiry := time.Now().Add(s.uploadTTL)
	for _, n := range partNumbers {
		req, _ := s.client.UploadPartRequest(&s3.UploadPartInput{
			Bucket: aws.String(s.bucket), Key: aws.String(key), UploadId: aws.String(uploadID),
			PartNumber: aws.Int64(int64(n)),
		})
		url, _, err := req.PresignRequest(s.uploadTTL)
		if err != nil {
			return nil, driver.ErrUpstreamFatal(err, "s3 presign part %d", n)
		}
		urls = append(urls, driver.PresignedURL{PartNumber: n, URL: url, ExpiresAt: expiry})
	}
	return urls, nil
}

func (s *Storage) SignParts(ctx context.Context, p, uploadID string, partNumbers []int) (driver.SignPartsResult, error) {
	urls, err := s.signParts(ctx, s.key(p), uploadID, partNumbers)
	if err != nil {
		return driver.SignPartsResult{}, err
	}
	return driver.SignPartsResult{PresignedURLs: urls, Policy: s.Capabilities().Multipart}, nil
}

func (s *Storage) CompleteMultipart(ctx context.Context, p, uploadID string, parts []driver.CompletedPart) (driver.WriteResult, error) {
	completed := make([]*s3.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = &s3.CompletedPart{PartNumber: aws.Int64(int64(part.PartNumber)), ETag: aws.String(part.ETag)}
	}
	out, err := s.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket: aws.String(s.bucket), Key: aws.String(s.key(p)), UploadId: aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "s3 complete multipart %s", p)
	}
	return driver.WriteResult{ETag: strings.Trim(aws.StringValue(out.ETag), `"`)}, nil
}

func (s *Storage) AbortMultipart(ctx context.Context, p, uploadID string) error {
	_, err := s.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket: aws.String(s.bucket), Key: aws.String(s.key(p)), UploadId: aws.String(uploadID),
	})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "s3 abort multipart %s", p)
	}
	return nil
}

func (s *Storage) ListParts(ctx context.Context, p, uploadID string) (driver.ListPartsResult, error) {
	out, err := s.client.ListPartsWithContext(ctx, &s3.ListPartsInput{
		Bucket: aws.String(s.bucket), Key: aws.String(s.key(p)), UploadId: aws.String(uploadID),
	})
	if err != nil {
		return driver.ListPartsResult{}, driver.ErrUpstreamTransient(err, "s3 list parts %s", p)
	}
	parts := make([]driver.CompletedPart, 0, len(out.Parts))
	for _, part := range out.Parts {
		parts = append(parts, driver.CompletedPart{
			PartNumber: int(aws.Int64Value(part.PartNumber)), ETag: aws.StringValue(part.ETag), Size: aws.Int64Value(part.Size),
		})
	}
	return driver.ListPartsResult{Parts: parts, Policy: s.Capabilities().Multipart}, nil
}

// DirectURL implements driver.DirectURLer via a presigned GET, used by the
// VFS when force_download or a public object link is requested.
func (s *Storage) DirectURL(ctx context.Context, p string, expiresIn time.Duration, forceDownload bool) (string, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p))}
	if forceDownload {
		in.ResponseContentDisposition = aws.String("attachment; filename=\"" + path.Base(p) + "\"")
	}
	req, _ := s.client.GetObjectRequest(in)
	url, err := req.Presign(expiresIn)
	if err != nil {
		return "", driver.ErrUpstreamFatal(err, "s3 presign direct url %s", p)
	}
	return url, nil
}

var _ driver.DirectURLer = (*Storage)(nil)
