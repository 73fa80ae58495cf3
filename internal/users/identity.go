package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedUser indicates a users row that does not carry an id and username.
var ErrMalformedUser = errors.New("users: malformed user row")

// User is the identity adopted by a profile and cached locally.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// DecodeUser validates a users row or cached identity payload.
func DecodeUser(payload []byte) (User, error) {
	var user User
	if err := json.Unmarshal(payload, &user); err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrMalformedUser, err)
	}
	user.ID = normalize(user.ID)
	if user.ID == "" {
		return User{}, fmt.Errorf("%w: missing id", ErrMalformedUser)
	}
	if normalize(user.Username) == "" {
		return User{}, fmt.Errorf("%w: missing username", ErrMalformedUser)
	}
	return user, nil
}

// Encode renders the user as the cached identity payload.
func (u User) Encode() (string, error) {
	encoded, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
