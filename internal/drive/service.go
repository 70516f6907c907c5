package drive

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
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	fileFields     = "id, name, mimeType, modifiedTime, size, md5Checksum"
	listPageSize   = 100
	cursorSep      = "\n"
)

// Service exposes a Drive folder tree as a remote.Backend. Paths resolve
// from rootID ("root" is the service account's My Drive).
type Service struct {
	srv    *drive.Service
	rootID string

	mu       sync.Mutex
	sessions map[string]*bytes.Buffer
}

var (
	_ remote.Backend        = (*Service)(nil)
	_ remote.SessionAborter = (*Service)(nil)
)

// NewService authenticates with a service account key.
func NewService(ctx context.Context, credentialsJSON, rootID string) (*Service, error) {
	config, err := google.JWTConfigFromJSON([]byte(credentialsJSON), drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account credentials: %w", err)
	}
	return NewServiceWithOptions(ctx, rootID, option.WithHTTPClient(config.Client(ctx)))
}

// NewServiceWithOptions builds the Drive client from explicit options.
func NewServiceWithOptions(ctx context.Context, rootID string, opts ...option.ClientOption) (*Service, error) {
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Drive client: %w", err)
	}
	if rootID == "" {
		rootID = "root"
	}
	return &Service{srv: srv, rootID: rootID, sessions: make(map[string]*bytes.Buffer)}, nil
}

func quote(name string) string {
	name = strings.ReplaceAll(name, `\`, `\\`)
	return strings.ReplaceAll(name, `'`, `\'`)
}

func (s *Service) child(ctx context.Context, parentID, name string) (*drive.File, error) {
	result, err := s.srv.Files.List().
		Q(fmt.Sprintf("'%s' in parents and name='%s' and trashed=false", parentID, quote(name))).
		Fields(googleapi.Field("files(" + fileFields + ")")).
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(err, "find "+name)
	}
	if len(result.Files) == 0 {
		return nil, nil
	}
	return result.Files[0], nil
}

// resolve walks p from the root. Intermediate segments must be folders.
func (s *Service) resolve(ctx context.Context, p string) (*drive.File, error) {
	current := &drive.File{Id: s.rootID, Name: "/", MimeType: folderMimeType}
	for _, segment := range strings.Split(strings.Trim(remote.Clean(p), "/"), "/") {
		if segment == "" {
			continue
		}
		if current.MimeType != folderMimeType {
			return nil, nil
		}
		next, err := s.child(ctx, current.Id, segment)
		if err != nil || next == nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func (s *Service) resolveFolder(ctx context.Context, p string) (string, error) {
	f, err := s.resolve(ctx, p)
	if err != nil {
		return "", err
	}
	if f == nil || f.MimeType != folderMimeType {
		return "", errors.Wrapf(domain.ErrNotFound, "folder %s", p)
	}
	return f.Id, nil
}

func (s *Service) Probe(ctx context.Context) (string, error) {
	about, err := s.srv.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		return "", classify(err, "about")
	}
	if about.User == nil {
		return "", nil
	}
	if about.User.EmailAddress != "" {
		return about.User.EmailAddress, nil
	}
	return about.User.DisplayName, nil
}

func (s *Service) Stat(ctx context.Context, p string) (remote.Metadata, bool, error) {
	f, err := s.resolve(ctx, p)
	if err != nil {
		return remote.Metadata{}, false, err
	}
	if f == nil {
		return remote.Metadata{}, false, nil
	}
	return convert(remote.Clean(p), f), true, nil
}

func (s *Service) CreateFolder(ctx context.Context, p string) error {
	p = remote.Clean(p)
	parentID, err := s.resolveFolder(ctx, path.Dir(p))
	if err != nil {
		return err
	}
	_, err = s.srv.Files.Create(&drive.File{
		Name:     path.Base(p),
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return classify(err, "create folder "+p)
	}
	return nil
}

func (s *Service) Upload(ctx context.Context, p string, data []byte) (remote.Metadata, error) {
	p = remote.Clean(p)
	parentID, err := s.resolveFolder(ctx, path.Dir(p))
	if err != nil {
		return remote.Metadata{}, err
	}
	existing, err := s.child(ctx, parentID, path.Base(p))
	if err != nil {
		return remote.Metadata{}, err
	}

	var f *drive.File
	if existing != nil {
		f, err = s.srv.Files.Update(existing.Id, &drive.File{}).
			Media(bytes.NewReader(data), googleapi.ContentType("application/json")).
			Fields(googleapi.Field(fileFields)).
			Context(ctx).
			Do()
	} else {
		f, err = s.srv.Files.Create(&drive.File{Name: path.Base(p), Parents: []string{parentID}}).
			Media(bytes.NewReader(data), googleapi.ContentType("application/json")).
			Fields(googleapi.Field(fileFields)).
			Context(ctx).
			Do()
	}
	if err != nil {
		return remote.Metadata{}, classify(err, "upload "+p)
	}
	return convert(p, f), nil
}

// Sessions are buffered locally; Drive receives one media upload on finish.
func (s *Service) StartSession(ctx context.Context, chunk []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.sessions[id] = bytes.NewBuffer(append([]byte{}, chunk...))
	return id, nil
}

func (s *Service) AppendSession(ctx context.Context, sessionID string, offset uint64, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("upload session %s not found", sessionID)
	}
	if uint64(buf.Len()) != offset {
		delete(s.sessions, sessionID)
		return fmt.Errorf("upload session %s: offset %d does not match %d buffered bytes", sessionID, offset, buf.Len())
	}
	buf.Write(chunk)
	return nil
}

func (s *Service) AbortSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Service) FinishSession(ctx context.Context, sessionID string, offset uint64, chunk []byte, p string) (remote.Metadata, error) {
	s.mu.Lock()
	buf, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return remote.Metadata{}, fmt.Errorf("upload session %s not found", sessionID)
	}
	if uint64(buf.Len()) != offset {
		return remote.Metadata{}, fmt.Errorf("upload session %s: offset %d does not match %d buffered bytes", sessionID, offset, buf.Len())
	}
	buf.Write(chunk)
	return s.Upload(ctx, p, buf.Bytes())
}

func (s *Service) Download(ctx context.Context, p string) ([]byte, remote.Metadata, error) {
	p = remote.Clean(p)
	f, err := s.resolve(ctx, p)
	if err != nil {
		return nil, remote.Metadata{}, err
	}
	if f == nil || f.MimeType == folderMimeType {
		return nil, remote.Metadata{}, errors.Wrapf(domain.ErrNotFound, "download %s", p)
	}

	resp, err := s.srv.Files.Get(f.Id).Context(ctx).Download()
	if err != nil {
		return nil, remote.Metadata{}, classify(err, "download "+p)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.Metadata{}, errors.Wrapf(err, "read download %s", p)
	}
	return data, convert(p, f), nil
}

func (s *Service) ListFolder(ctx context.Context, p string) (remote.Page, error) {
	p = remote.Clean(p)
	folderID, err := s.resolveFolder(ctx, p)
	if err != nil {
		return remote.Page{}, err
	}
	return s.list(ctx, p, folderID, "")
}

func (s *Service) ListFolderContinue(ctx context.Context, cursor string) (remote.Page, error) {
	parts := strings.SplitN(cursor, cursorSep, 3)
	if len(parts) != 3 || parts[2] == "" {
		return remote.Page{}, fmt.Errorf("invalid list cursor")
	}
	return s.list(ctx, parts[0], parts[1], parts[2])
}

func (s *Service) list(ctx context.Context, folderPath, folderID, token string) (remote.Page, error) {
	call := s.srv.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed=false", folderID)).
		Fields(googleapi.Field("nextPageToken, files(" + fileFields + ")")).
		OrderBy("name").
		PageSize(listPageSize).
		Context(ctx)
	if token != "" {
		call = call.PageToken(token)
	}
	result, err := call.Do()
	if err != nil {
		return remote.Page{}, classify(err, "list folder "+folderPath)
	}

	pg := remote.Page{Entries: make([]remote.Metadata, 0, len(result.Files))}
	for _, f := range result.Files {
		pg.Entries = append(pg.Entries, convert(path.Join(folderPath, f.Name), f))
	}
	if result.NextPageToken != "" {
		pg.HasMore = true
		pg.Cursor = strings.Join([]string{folderPath, folderID, result.NextPageToken}, cursorSep)
	}
	return pg, nil
}

func convert(p string, f *drive.File) remote.Metadata {
	m := remote.Metadata{
		Name:       f.Name,
		Path:       p,
		Kind:       remote.KindFile,
		Size:       uint64(f.Size),
		ContentMD5: f.Md5Checksum,
		ID:         f.Id,
	}
	if f.MimeType == folderMimeType {
		m.Kind = remote.KindFolder
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		m.ServerModified = t
	}
	return m
}

func classify(err error, op string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return errors.Wrapf(domain.ErrNotFound, "%s: %s", op, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrapf(domain.ErrAuth, "%s: %s", op, err)
		}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return errors.Wrapf(domain.ErrConnection, "%s: %s", op, err)
	}
	return errors.Wrap(err, op)
}
