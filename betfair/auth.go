// Package betfair holds the exchange-facing collaborators: certificate
// login, the websocket stream transport and the REST market catalogue.
package betfair

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ladderflow/logger"
)

// AuthError reports a failed login. Sessions retry it under their backoff
// budget; an exhausted budget makes it fatal.
type AuthError struct {
	Status string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %v", e.Err)
	}
	return fmt.Sprintf("auth: login rejected: %s", e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Credentials carry everything the certificate login endpoint needs.
type Credentials struct {
	Username string
	Password string
	AppKey   string
	CertFile string
	KeyFile  string
}

// CertAuthenticator performs the exchange's certificate login and yields a
// session token.
type CertAuthenticator struct {
	loginURL string
	appKey   string
	username string
	password string
	client   *http.Client
	log      *logger.Log
}

// NewCertAuthenticator loads the client certificate and prepares the login
// client.
func NewCertAuthenticator(loginURL string, creds Credentials, timeout time.Duration) (*CertAuthenticator, error) {
	cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	return &CertAuthenticator{
		loginURL: loginURL,
		appKey:   creds.AppKey,
		username: creds.Username,
		password: creds.Password,
		client:   &http.Client{Transport: transport, Timeout: timeout},
		log:      logger.GetLogger(),
	}, nil
}

type loginResponse struct {
	SessionToken string `json:"sessionToken"`
	LoginStatus  string `json:"loginStatus"`
}

// Authenticate posts the credentials and returns the session token.
func (a *CertAuthenticator) Authenticate(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", a.username)
	form.Set("password", a.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Application", a.appKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Err: fmt.Errorf("login endpoint returned %s", resp.Status)}
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", &AuthError{Err: fmt.Errorf("decode login response: %w", err)}
	}
	if lr.LoginStatus != "SUCCESS" || lr.SessionToken == "" {
		return "", &AuthError{Status: lr.LoginStatus}
	}

	a.log.WithComponent("auth").Info("session token obtained")
	return lr.SessionToken, nil
}
