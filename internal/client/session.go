package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// SessionUser is the identity attached to a session.
type SessionUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Session is an authenticated session returned by sign up and sign in.
type Session struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	User        SessionUser `json:"user"`
}

type signUpPayload struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Data     map[string]string `json:"data"`
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp registers an account carrying username metadata and adopts the
// returned session.
func (c *Client) SignUp(ctx context.Context, email, password, username string) (Session, error) {
	body, err := json.Marshal(signUpPayload{
		Email:    email,
		Password: password,
		Data:     map[string]string{"username": username},
	})
	if err != nil {
		return Session{}, fmt.Errorf("client: sign up: encode payload: %w", err)
	}
	return c.startSession(ctx, "sign_up", request{method: http.MethodPost, path: authPathPrefix + "signup", body: body})
}

// SignIn exchanges email and password for a session and adopts it.
func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	body, err := json.Marshal(credentialsPayload{Email: email, Password: password})
	if err != nil {
		return Session{}, fmt.Errorf("client: sign in: encode payload: %w", err)
	}
	return c.startSession(ctx, "sign_in", request{
		method: http.MethodPost,
		path:   authPathPrefix + "token",
		query:  url.Values{"grant_type": []string{"password"}},
		body:   body,
	})
}

func (c *Client) startSession(ctx context.Context, operation string, req request) (Session, error) {
	payload, err := c.do(ctx, operation, req)
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return Session{}, fmt.Errorf("client: %s: decode session: %w", operation, err)
	}
	c.SetAccessToken(session.AccessToken)
	return session, nil
}

// User returns the identity behind the current session token.
func (c *Client) User(ctx context.Context) (SessionUser, error) {
	payload, err := c.do(ctx, "user", request{method: http.MethodGet, path: authPathPrefix + "user"})
	if err != nil {
		return SessionUser{}, err
	}
	var user SessionUser
	if err := json.Unmarshal(payload, &user); err != nil {
		return SessionUser{}, fmt.Errorf("client: user: decode: %w", err)
	}
	return user, nil
}

// SignOut notifies the service and drops the session token. The token is
// dropped even when the request fails.
func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.do(ctx, "sign_out", request{method: http.MethodPost, path: authPathPrefix + "logout"})
	c.SetAccessToken("")
	return err
}
