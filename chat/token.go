package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// Credentials are the bot identity for IRC. Either OAuthToken or the refresh
// grant (ClientID, ClientSecret, RefreshToken) must be set.
type Credentials struct {
	Username     string
	OAuthToken   string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// Endpoint overrides the Twitch token endpoint.
	Endpoint oauth2.Endpoint
}

// ResolveToken returns an IRC password ("oauth:<token>"). A static token wins
// over the refresh grant.
func ResolveToken(ctx context.Context, c Credentials) (string, error) {
	if c.OAuthToken != "" {
		return ircPassword(c.OAuthToken), nil
	}
	if c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "" {
		return "", errors.New("missing twitch credentials: set TWITCH_OAUTH_TOKEN or TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET/TWITCH_REFRESH_TOKEN")
	}
	endpoint := c.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = twitch.Endpoint
	}
	oc := &oauth2.Config{ClientID: c.ClientID, ClientSecret: c.ClientSecret, Endpoint: endpoint}
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("twitch token refresh: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	return ircPassword(tok.AccessToken), nil
}

func ircPassword(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}
