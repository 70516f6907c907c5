// Package dropbox adapts the Dropbox SDK to the remote.Backend contract.
package dropbox

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	dbx "github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"github.com/pkg/errors"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
)

// FilesAPI is the subset of files.Client used here. files.New satisfies it.
type FilesAPI interface {
	GetMetadata(arg *files.GetMetadataArg) (files.IsMetadata, error)
	CreateFolderV2(arg *files.CreateFolderArg) (*files.CreateFolderResult, error)
	Upload(arg *files.UploadArg, content io.Reader) (*files.FileMetadata, error)
	UploadSessionStart(arg *files.UploadSessionStartArg, content io.Reader) (*files.UploadSessionStartResult, error)
	UploadSessionAppendV2(arg *files.UploadSessionAppendArg, content io.Reader) error
	UploadSessionFinish(arg *files.UploadSessionFinishArg, content io.Reader) (*files.FileMetadata, error)
	Download(arg *files.DownloadArg) (*files.FileMetadata, io.ReadCloser, error)
	ListFolder(arg *files.ListFolderArg) (*files.ListFolderResult, error)
	ListFolderContinue(arg *files.ListFolderContinueArg) (*files.ListFolderResult, error)
}

// UsersAPI is the subset of users.Client used for the identity probe.
type UsersAPI interface {
	GetCurrentAccount() (*users.FullAccount, error)
}

// Backend talks to a single Dropbox account.
type Backend struct {
	files FilesAPI
	users UsersAPI
}

var _ remote.Backend = (*Backend)(nil)

// New builds SDK clients for token. A nil httpClient uses the SDK default.
func New(token string, httpClient *http.Client, debug bool) *Backend {
	cfg := dbx.Config{
		Token:    token,
		LogLevel: dbx.LogOff,
		Client:   httpClient,
	}
	if debug {
		cfg.LogLevel = dbx.LogInfo
	}
	return &Backend{files: files.New(cfg), users: users.New(cfg)}
}

// NewWithClients wires explicit SDK clients, mainly for tests.
func NewWithClients(f FilesAPI, u UsersAPI) *Backend {
	return &Backend{files: f, users: u}
}

func overwrite() *files.WriteMode {
	return &files.WriteMode{Tagged: dbx.Tagged{Tag: files.WriteModeOverwrite}}
}

func (b *Backend) Probe(ctx context.Context) (string, error) {
	account, err := b.users.GetCurrentAccount()
	if err != nil {
		return "", classify(err, "get current account")
	}
	if account.Email != "" {
		return account.Email, nil
	}
	if account.Name != nil {
		return account.Name.DisplayName, nil
	}
	return account.AccountId, nil
}

func (b *Backend) Stat(ctx context.Context, path string) (remote.Metadata, bool, error) {
	res, err := b.files.GetMetadata(files.NewGetMetadataArg(path))
	if err != nil {
		cerr := classify(err, "get metadata "+path)
		if errors.Is(cerr, domain.ErrNotFound) {
			return remote.Metadata{}, false, nil
		}
		return remote.Metadata{}, false, cerr
	}
	return convert(res), true, nil
}

func (b *Backend) CreateFolder(ctx context.Context, path string) error {
	if _, err := b.files.CreateFolderV2(files.NewCreateFolderArg(path)); err != nil {
		if strings.Contains(err.Error(), "conflict/folder") {
			return nil
		}
		return classify(err, "create folder "+path)
	}
	return nil
}

func (b *Backend) Upload(ctx context.Context, path string, data []byte) (remote.Metadata, error) {
	arg := files.NewUploadArg(path)
	arg.Mode = overwrite()
	res, err := b.files.Upload(arg, bytes.NewReader(data))
	if err != nil {
		return remote.Metadata{}, classify(err, "upload "+path)
	}
	return fileMeta(res), nil
}

func (b *Backend) StartSession(ctx context.Context, chunk []byte) (string, error) {
	res, err := b.files.UploadSessionStart(files.NewUploadSessionStartArg(), bytes.NewReader(chunk))
	if err != nil {
		return "", classify(err, "upload session start")
	}
	return res.SessionId, nil
}

func (b *Backend) AppendSession(ctx context.Context, sessionID string, offset uint64, chunk []byte) error {
	arg := files.NewUploadSessionAppendArg(files.NewUploadSessionCursor(sessionID, offset))
	if err := b.files.UploadSessionAppendV2(arg, bytes.NewReader(chunk)); err != nil {
		return classify(err, "upload session append")
	}
	return nil
}

func (b *Backend) FinishSession(ctx context.Context, sessionID string, offset uint64, chunk []byte, path string) (remote.Metadata, error) {
	commit := files.NewCommitInfo(path)
	commit.Mode = overwrite()
	arg := files.NewUploadSessionFinishArg(files.NewUploadSessionCursor(sessionID, offset), commit)
	res, err := b.files.UploadSessionFinish(arg, bytes.NewReader(chunk))
	if err != nil {
		return remote.Metadata{}, classify(err, "upload session finish "+path)
	}
	return fileMeta(res), nil
}

func (b *Backend) Download(ctx context.Context, path string) ([]byte, remote.Metadata, error) {
	res, body, err := b.files.Download(files.NewDownloadArg(path))
	if err != nil {
		return nil, remote.Metadata{}, classify(err, "download "+path)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, remote.Metadata{}, errors.Wrapf(err, "read download %s", path)
	}
	return data, fileMeta(res), nil
}

func (b *Backend) ListFolder(ctx context.Context, path string) (remote.Page, error) {
	res, err := b.files.ListFolder(files.NewListFolderArg(path))
	if err != nil {
		return remote.Page{}, classify(err, "list folder "+path)
	}
	return page(res), nil
}

func (b *Backend) ListFolderContinue(ctx context.Context, cursor string) (remote.Page, error) {
	res, err := b.files.ListFolderContinue(files.NewListFolderContinueArg(cursor))
	if err != nil {
		return remote.Page{}, classify(err, "list folder continue")
	}
	return page(res), nil
}

func page(res *files.ListFolderResult) remote.Page {
	pg := remote.Page{Cursor: res.Cursor, HasMore: res.HasMore}
	pg.Entries = make([]remote.Metadata, 0, len(res.Entries))
	for _, e := range res.Entries {
		switch e.(type) {
		case *files.FileMetadata, *files.FolderMetadata:
			pg.Entries = append(pg.Entries, convert(e))
		}
	}
	return pg
}

func convert(m files.IsMetadata) remote.Metadata {
	switch v := m.(type) {
	case *files.FileMetadata:
		return fileMeta(v)
	case *files.FolderMetadata:
		return remote.Metadata{Name: v.Name, Path: v.PathDisplay, Kind: remote.KindFolder, ID: v.Id}
	default:
		return remote.Metadata{}
	}
}

func fileMeta(f *files.FileMetadata) remote.Metadata {
	if f == nil {
		return remote.Metadata{}
	}
	return remote.Metadata{
		Name:           f.Name,
		Path:           f.PathDisplay,
		Kind:           remote.KindFile,
		Size:           f.Size,
		ServerModified: f.ServerModified,
		ID:             f.Id,
	}
}

var authSummaries = []string{"expired_access_token", "invalid_access_token", "missing_scope", "invalid_account_type"}

// classify maps SDK errors onto the domain taxonomy, keeping the SDK message.
func classify(err error, op string) error {
	msg := err.Error()

	var authErr auth.AuthAPIError
	if errors.As(err, &authErr) {
		return errors.Wrapf(domain.ErrAuth, "%s: %s", op, msg)
	}
	for _, s := range authSummaries {
		if strings.Contains(msg, s) {
			return errors.Wrapf(domain.ErrAuth, "%s: %s", op, msg)
		}
	}
	if strings.Contains(msg, "not_found") {
		return errors.Wrapf(domain.ErrNotFound, "%s: %s", op, msg)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return errors.Wrapf(domain.ErrConnection, "%s: %s", op, msg)
	}
	return errors.Wrap(err, op)
}
