// Package s3 serves the remote.Backend contract from an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
)

const (
	listPageSize = 1000
	cursorSep    = "\n"
	jsonType     = "application/json"
)

// Config holds the connection info for an S3-compatible service.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Backend maps remote paths onto object keys. Folders are zero-byte "key/" markers.
type Backend struct {
	client *minio.Client
	core   *minio.Core
	bucket string

	mu       sync.Mutex
	sessions map[string]*bytes.Buffer
}

var (
	_ remote.Backend        = (*Backend)(nil)
	_ remote.SessionAborter = (*Backend)(nil)
)

// New validates cfg and builds a path-style minio client.
func New(cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials must be provided")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must be provided")
	}

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	return &Backend{
		client:   client,
		core:     &minio.Core{Client: client},
		bucket:   cfg.Bucket,
		sessions: make(map[string]*bytes.Buffer),
	}, nil
}

func objectKey(p string) string {
	return strings.TrimPrefix(remote.Clean(p), "/")
}

func folderPrefix(p string) string {
	key := objectKey(p)
	if key == "" {
		return ""
	}
	return key + "/"
}

func (b *Backend) Probe(ctx context.Context) (string, error) {
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return "", classify(err, "probe bucket "+b.bucket)
	}
	if !ok {
		return "", errors.Wrapf(domain.ErrNotFound, "bucket %s", b.bucket)
	}
	return "s3://" + b.bucket, nil
}

func (b *Backend) Stat(ctx context.Context, p string) (remote.Metadata, bool, error) {
	key := objectKey(p)
	if key == "" {
		return remote.Metadata{Name: "/", Path: "/", Kind: remote.KindFolder}, true, nil
	}

	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return fileMeta(info), true, nil
	}
	if cerr := classify(err, "stat "+key); !errors.Is(cerr, domain.ErrNotFound) {
		return remote.Metadata{}, false, cerr
	}

	res, err := b.core.ListObjectsV2(b.bucket, key+"/", "", "", "/", 1)
	if err != nil {
		return remote.Metadata{}, false, classify(err, "stat folder "+key)
	}
	if len(res.Contents) == 0 && len(res.CommonPrefixes) == 0 {
		return remote.Metadata{}, false, nil
	}
	return folderMeta(key), true, nil
}

func (b *Backend) CreateFolder(ctx context.Context, p string) error {
	prefix := folderPrefix(p)
	if prefix == "" {
		return nil
	}
	_, err := b.client.PutObject(ctx, b.bucket, prefix, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return classify(err, "create folder "+prefix)
	}
	return nil
}

func (b *Backend) Upload(ctx context.Context, p string, data []byte) (remote.Metadata, error) {
	key := objectKey(p)
	info, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: jsonType})
	if err != nil {
		return remote.Metadata{}, classify(err, "upload "+key)
	}
	return remote.Metadata{
		Name:           path.Base(key),
		Path:           "/" + key,
		Kind:           remote.KindFile,
		Size:           uint64(len(data)),
		ServerModified: info.LastModified,
		ContentMD5:     md5FromETag(info.ETag),
	}, nil
}

// Sessions are buffered in process and written with a single PutObject on finish.
func (b *Backend) StartSession(ctx context.Context, chunk []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.sessions[id] = bytes.NewBuffer(append([]byte{}, chunk...))
	return id, nil
}

func (b *Backend) AppendSession(ctx context.Context, sessionID string, offset uint64, chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.sessions[sessionID]
	if !ok {
		return fmt.Errorf("upload session %s not found", sessionID)
	}
	if uint64(buf.Len()) != offset {
		delete(b.sessions, sessionID)
		return fmt.Errorf("upload session %s: offset %d does not match %d buffered bytes", sessionID, offset, buf.Len())
	}
	buf.Write(chunk)
	return nil
}

// AbortSession drops a buffered session. Unknown ids are ignored.
func (b *Backend) AbortSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
	return nil
}

func (b *Backend) openSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Backend) FinishSession(ctx context.Context, sessionID string, offset uint64, chunk []byte, p string) (remote.Metadata, error) {
	b.mu.Lock()
	buf, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return remote.Metadata{}, fmt.Errorf("upload session %s not found", sessionID)
	}
	if uint64(buf.Len()) != offset {
		return remote.Metadata{}, fmt.Errorf("upload session %s: offset %d does not match %d buffered bytes", sessionID, offset, buf.Len())
	}
	buf.Write(chunk)
	return b.Upload(ctx, p, buf.Bytes())
}

func (b *Backend) Download(ctx context.Context, p string) ([]byte, remote.Metadata, error) {
	key := objectKey(p)
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, remote.Metadata{}, classify(err, "download "+key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, remote.Metadata{}, classify(err, "download "+key)
	}
	info, err := obj.Stat()
	if err != nil {
		return nil, remote.Metadata{}, classify(err, "download "+key)
	}
	return data, fileMeta(info), nil
}

func (b *Backend) ListFolder(ctx context.Context, p string) (remote.Page, error) {
	prefix := folderPrefix(p)
	if prefix != "" {
		if _, found, err := b.Stat(ctx, p); err != nil {
			return remote.Page{}, err
		} else if !found {
			return remote.Page{}, errors.Wrapf(domain.ErrNotFound, "list folder %s", p)
		}
	}
	return b.list(prefix, "")
}

func (b *Backend) ListFolderContinue(ctx context.Context, cursor string) (remote.Page, error) {
	prefix, token, ok := decodeCursor(cursor)
	if !ok {
		return remote.Page{}, fmt.Errorf("invalid list cursor")
	}
	return b.list(prefix, token)
}

func (b *Backend) list(prefix, token string) (remote.Page, error) {
	res, err := b.core.ListObjectsV2(b.bucket, prefix, "", token, "/", listPageSize)
	if err != nil {
		return remote.Page{}, classify(err, "list folder "+prefix)
	}

	pg := remote.Page{Entries: make([]remote.Metadata, 0, len(res.CommonPrefixes)+len(res.Contents))}
	for _, cp := range res.CommonPrefixes {
		pg.Entries = append(pg.Entries, folderMeta(strings.TrimSuffix(cp.Prefix, "/")))
	}
	for _, obj := range res.Contents {
		if obj.Key == prefix || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		pg.Entries = append(pg.Entries, fileMeta(obj))
	}
	if res.IsTruncated && res.NextContinuationToken != "" {
		pg.HasMore = true
		pg.Cursor = encodeCursor(prefix, res.NextContinuationToken)
	}
	return pg, nil
}

func encodeCursor(prefix, token string) string {
	return prefix + cursorSep + token
}

func decodeCursor(cursor string) (string, string, bool) {
	prefix, token, ok := strings.Cut(cursor, cursorSep)
	return prefix, token, ok && token != ""
}

func folderMeta(key string) remote.Metadata {
	return remote.Metadata{Name: path.Base(key), Path: "/" + key, Kind: remote.KindFolder}
}

func fileMeta(info minio.ObjectInfo) remote.Metadata {
	return remote.Metadata{
		Name:           path.Base(info.Key),
		Path:           "/" + info.Key,
		Kind:           remote.KindFile,
		Size:           uint64(info.Size),
		ServerModified: info.LastModified,
		ContentMD5:     md5FromETag(info.ETag),
	}
}

// md5FromETag returns the ETag when it is a plain MD5 (not a multipart ETag).
func md5FromETag(etag string) string {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

func classify(err error, op string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(domain.ErrNotFound, "%s: %s", op, err)
	case resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch" ||
		resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(domain.ErrAuth, "%s: %s", op, err)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return errors.Wrapf(domain.ErrConnection, "%s: %s", op, err)
	}
	return errors.Wrap(err, op)
}
