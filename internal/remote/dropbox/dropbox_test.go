package dropbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"testing"
	"time"

	dbx "github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
)

type fakeFiles struct {
	metadata    map[string]files.IsMetadata
	metadataErr error
	created     []string
	createErr   error
	uploads     map[string][]byte
	uploadModes []string
	sessions    map[string][]byte
	pages       []*files.ListFolderResult
	continued   []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		metadata: make(map[string]files.IsMetadata),
		uploads:  make(map[string][]byte),
		sessions: make(map[string][]byte),
	}
}

func (f *fakeFiles) GetMetadata(arg *files.GetMetadataArg) (files.IsMetadata, error) {
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	if m, ok := f.metadata[arg.Path]; ok {
		return m, nil
	}
	return nil, dbx.APIError{ErrorSummary: "path/not_found/.."}
}

func (f *fakeFiles) CreateFolderV2(arg *files.CreateFolderArg) (*files.CreateFolderResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, arg.Path)
	return &files.CreateFolderResult{}, nil
}

func (f *fakeFiles) Upload(arg *files.UploadArg, content io.Reader) (*files.FileMetadata, error) {
	data, _ := io.ReadAll(content)
	f.uploads[arg.Path] = data
	f.uploadModes = append(f.uploadModes, arg.Mode.Tag)
	return fileResult(arg.Path, len(data)), nil
}

func (f *fakeFiles) UploadSessionStart(arg *files.UploadSessionStartArg, content io.Reader) (*files.UploadSessionStartResult, error) {
	data, _ := io.ReadAll(content)
	f.sessions["s1"] = data
	return &files.UploadSessionStartResult{SessionId: "s1"}, nil
}

func (f *fakeFiles) UploadSessionAppendV2(arg *files.UploadSessionAppendArg, content io.Reader) error {
	data, _ := io.ReadAll(content)
	if uint64(len(f.sessions[arg.Cursor.SessionId])) != arg.Cursor.Offset {
		return errors.New("incorrect_offset")
	}
	f.sessions[arg.Cursor.SessionId] = append(f.sessions[arg.Cursor.SessionId], data...)
	return nil
}

func (f *fakeFiles) UploadSessionFinish(arg *files.UploadSessionFinishArg, content io.Reader) (*files.FileMetadata, error) {
	data, _ := io.ReadAll(content)
	buf := append(f.sessions[arg.Cursor.SessionId], data...)
	f.uploads[arg.Commit.Path] = buf
	f.uploadModes = append(f.uploadModes, arg.Commit.Mode.Tag)
	return fileResult(arg.Commit.Path, len(buf)), nil
}

func (f *fakeFiles) Download(arg *files.DownloadArg) (*files.FileMetadata, io.ReadCloser, error) {
	data, ok := f.uploads[arg.Path]
	if !ok {
		return nil, nil, dbx.APIError{ErrorSummary: "path/not_found/"}
	}
	return fileResult(arg.Path, len(data)), io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFiles) ListFolder(arg *files.ListFolderArg) (*files.ListFolderResult, error) {
	return f.pages[0], nil
}

func (f *fakeFiles) ListFolderContinue(arg *files.ListFolderContinueArg) (*files.ListFolderResult, error) {
	f.continued = append(f.continued, arg.Cursor)
	return f.pages[len(f.continued)], nil
}

type fakeUsers struct {
	account *users.FullAccount
	err     error
}

func (u *fakeUsers) GetCurrentAccount() (*users.FullAccount, error) {
	return u.account, u.err
}

func fileResult(p string, size int) *files.FileMetadata {
	m := files.NewFileMetadata(path.Base(p), "id:1", time.Unix(0, 0), time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), "rev", uint64(size))
	m.PathDisplay = p
	return m
}

func folder(name, p string) *files.FolderMetadata {
	m := files.NewFolderMetadata(name, "id:"+name)
	m.PathDisplay = p
	return m
}

func TestStat_NotFoundIsCommaOk(t *testing.T) {
	f := newFakeFiles()
	f.metadata["/WebhookBackup"] = folder("WebhookBackup", "/WebhookBackup")
	b := NewWithClients(f, &fakeUsers{})

	meta, found, err := b.Stat(context.Background(), "/WebhookBackup")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, meta.IsFolder())

	_, found, err = b.Stat(context.Background(), "/WebhookBackup/acme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStat_OtherErrorsSurface(t *testing.T) {
	f := newFakeFiles()
	f.metadataErr = auth.AuthAPIError{APIError: dbx.APIError{ErrorSummary: "expired_access_token/"}}
	b := NewWithClients(f, &fakeUsers{})

	_, found, err := b.Stat(context.Background(), "/WebhookBackup")
	require.Error(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestEnsurePathCreatesMissingSegments(t *testing.T) {
	f := newFakeFiles()
	f.metadata["/WebhookBackup"] = folder("WebhookBackup", "/WebhookBackup")
	b := NewWithClients(f, &fakeUsers{})

	ok, err := remote.EnsurePath(context.Background(), b, "/WebhookBackup/acme", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"/WebhookBackup/acme"}, f.created)
}

func TestCreateFolder_ConflictIsSuccess(t *testing.T) {
	f := newFakeFiles()
	f.createErr = dbx.APIError{ErrorSummary: "path/conflict/folder/..."}
	b := NewWithClients(f, &fakeUsers{})

	assert.NoError(t, b.CreateFolder(context.Background(), "/WebhookBackup"))
}

func TestUploadUsesOverwrite(t *testing.T) {
	f := newFakeFiles()
	b := NewWithClients(f, &fakeUsers{})

	meta, err := b.Upload(context.Background(), "/WebhookBackup/acme/x.json", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.Size)
	assert.Equal(t, []string{files.WriteModeOverwrite}, f.uploadModes)
}

func TestChunkedUploadThroughTransfer(t *testing.T) {
	f := newFakeFiles()
	b := NewWithClients(f, &fakeUsers{})
	data := bytes.Repeat([]byte("z"), remote.ChunkSize*3+7)

	res, err := remote.NewTransfer().Upload(context.Background(), b, "/WebhookBackup/acme/x.json", data, remote.UploadOptions{Verify: true})
	require.NoError(t, err)
	assert.True(t, res.Chunked)
	assert.True(t, res.Verified)
	assert.Equal(t, data, f.uploads["/WebhookBackup/acme/x.json"])
}

func TestDownloadNotFound(t *testing.T) {
	b := NewWithClients(newFakeFiles(), &fakeUsers{})

	_, _, err := b.Download(context.Background(), "/WebhookBackup/acme/x.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListFolderPages(t *testing.T) {
	f := newFakeFiles()
	f.pages = []*files.ListFolderResult{
		{Entries: []files.IsMetadata{folder("acme", "/WebhookBackup/acme")}, Cursor: "c1", HasMore: true},
		{Entries: []files.IsMetadata{folder("globex", "/WebhookBackup/globex")}, Cursor: "c2", HasMore: false},
	}
	b := NewWithClients(f, &fakeUsers{})

	entries, err := remote.List(context.Background(), b, "/WebhookBackup")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "globex", entries[1].Name)
	assert.Equal(t, []string{"c1"}, f.continued)
}

func TestProbe(t *testing.T) {
	acct := &users.FullAccount{}
	acct.Email = "ops@example.com"
	b := NewWithClients(newFakeFiles(), &fakeUsers{account: acct})

	name, err := b.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", name)
}

func TestClassify(t *testing.T) {
	conn := &url.Error{Op: "Post", URL: "https://api.dropboxapi.com", Err: errors.New("dial tcp: connection refused")}
	assert.ErrorIs(t, classify(conn, "probe"), domain.ErrConnection)
	assert.ErrorIs(t, classify(errors.New("invalid_access_token/"), "probe"), domain.ErrAuth)
	assert.ErrorIs(t, classify(errors.New("path/not_found/"), "get"), domain.ErrNotFound)

	other := classify(errors.New("too_many_write_operations"), "upload")
	assert.NotErrorIs(t, other, domain.ErrAuth)
	assert.Contains(t, other.Error(), "upload: too_many_write_operations")
}
