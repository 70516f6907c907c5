package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
)

// DropboxTokenURL is the Dropbox OAuth2 token endpoint.
const DropboxTokenURL = "https://api.dropboxapi.com/oauth2/token"

// OAuthRefresher runs the refresh_token grant against a token endpoint.
type OAuthRefresher struct {
	config       oauth2.Config
	refreshToken string
	httpClient   *http.Client
}

// NewOAuthRefresher posts client credentials in the form body, as Dropbox expects.
// An empty tokenURL selects DropboxTokenURL; a nil httpClient uses http.DefaultClient.
func NewOAuthRefresher(appKey, appSecret, refreshToken, tokenURL string, httpClient *http.Client) *OAuthRefresher {
	if tokenURL == "" {
		tokenURL = DropboxTokenURL
	}
	return &OAuthRefresher{
		config: oauth2.Config{
			ClientID:     appKey,
			ClientSecret: appSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		refreshToken: refreshToken,
		httpClient:   httpClient,
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context) (string, error) {
	if r.refreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token configured", domain.ErrAuth)
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: r.refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < http.StatusInternalServerError {
			return "", fmt.Errorf("%w: refresh token rejected: %v", domain.ErrAuth, err)
		}
		return "", fmt.Errorf("%w: token endpoint: %v", domain.ErrConnection, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token in refresh response", domain.ErrAuth)
	}
	return tok.AccessToken, nil
}
