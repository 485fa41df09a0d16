// Package credentials acquires the long-lived Gmail refresh token used by the
// gmail transport. It drives the installed-application authorization code
// flow once, interactively, and persists the resulting token.
package credentials

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
)

var (
	// ErrMissingCode is returned when no authorization code was entered.
	ErrMissingCode = errors.New("credentials: no authorization code entered")

	// ErrNoRefreshToken is returned when the token endpoint issued no refresh token.
	ErrNoRefreshToken = errors.New("credentials: token response carried no refresh token")
)

// state is echoed back on the redirect; the code is pasted by hand so it is
// never checked.
const state = "bulkmail"

// LoadConfig reads a Google client secrets file ("installed" or "web") and
// returns an OAuth2 config for the gmail.send scope.
func LoadConfig(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, gmailapi.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets %s: %w", path, err)
	}
	return cfg, nil
}

// Bootstrap prints the consent URL to out, reads the authorization code (or
// the full redirect URL) from in, exchanges it and writes the token to
// tokenPath with owner-only permissions.
func Bootstrap(ctx context.Context, in io.Reader, out io.Writer, credentialsPath, tokenPath string) (*oauth2.Token, error) {
	cfg, err := LoadConfig(credentialsPath)
	if err != nil {
		return nil, err
	}

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "\nStep 1: open this link in your browser:\n\n%s\n\n", authURL)
	fmt.Fprintln(out, "Step 2: sign in and grant access to send mail")
	fmt.Fprintln(out, "Step 3: copy the code from the redirect URL and paste it here")
	fmt.Fprint(out, "\nAuthorization code: ")

	code, err := readCode(in)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return token, ErrNoRefreshToken
	}

	if err := SaveToken(tokenPath, token); err != nil {
		return token, err
	}

	fmt.Fprintf(out, "\nToken saved to %s\n", tokenPath)
	fmt.Fprintf(out, "Refresh token: %s\n", token.RefreshToken)
	return token, nil
}

// SaveToken writes token as indented JSON, readable only by the owner.
func SaveToken(path string, token *oauth2.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// LoadToken reads a token written by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	return &token, nil
}

// readCode reads the first line of in. A pasted redirect URL is accepted and
// its code parameter extracted.
func readCode(in io.Reader) (string, error) {
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read authorization code: %w", err)
		}
		return "", ErrMissingCode
	}

	code := strings.TrimSpace(scanner.Text())
	if u, err := url.Parse(code); err == nil && u.Scheme != "" {
		code = u.Query().Get("code")
	}
	if code == "" {
		return "", ErrMissingCode
	}
	return code, nil
}
