package imapx

import (
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
)

// googleTokenURL is the default token endpoint; Gmail is the only
// OAuth2 provider the engine currently fronts.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// OAuth2Settings holds what is needed to mint an access token from a
// stored refresh token at dial time.
type OAuth2Settings struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
}

// saslClient refreshes the access token and wraps it in an
// OAUTHBEARER SASL client for the IMAP AUTHENTICATE exchange.
func (o *OAuth2Settings) saslClient(ctx context.Context, settings Settings) (sasl.Client, error) {
	tokenURL := o.TokenURL
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}

	cfg := &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: o.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing oauth2 token for %s: %w", settings.Username, err)
	}

	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: settings.Username,
		Token:    token.AccessToken,
		Host:     settings.Host,
		Port:     settings.Port,
	}), nil
}
