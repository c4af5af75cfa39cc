package ws

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/nicebartender/switchboard/chat"
)

// Tokens holds the per-class shared secrets. An empty token leaves that
// endpoint open, which is only sensible behind a trusted proxy.
type Tokens struct {
	Customer string
	Operator string
	Agent    string
}

type ConnectParams struct {
	Token string       `json:"token"`
	User  *ConnectUser `json:"user"`
}

// ConnectUser is the identity a connecting customer or operator presents.
// Username and tags stay here in the transport layer; the core only sees
// the public profile.
type ConnectUser struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarURL"`
	Tags        []string `json:"tags,omitempty"`
}

// VerifyConnect accepts or rejects a connecting identity. Customers and
// operators must present a user id; agents authenticate by token alone.
func VerifyConnect(role Role, paramsRaw json.RawMessage, tokens Tokens) (ConnectUser, error) {
	var params ConnectParams
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &params); err != nil {
			return ConnectUser{}, fmt.Errorf("invalid connect params: %w", err)
		}
	}

	var want string
	switch role {
	case RoleCustomer:
		want = tokens.Customer
	case RoleOperator:
		want = tokens.Operator
	case RoleAgent:
		want = tokens.Agent
	default:
		return ConnectUser{}, fmt.Errorf("unknown role %q", role)
	}

	if want != "" && subtle.ConstantTimeCompare([]byte(params.Token), []byte(want)) != 1 {
		return ConnectUser{}, fmt.Errorf("bad token")
	}

	if role == RoleAgent {
		return ConnectUser{}, nil
	}
	if params.User == nil || params.User.ID == "" {
		return ConnectUser{}, fmt.Errorf("missing user identity")
	}
	return *params.User, nil
}

// Profile is the public projection of a connecting user.
func (u ConnectUser) Profile() chat.CustomerProfile {
	return chat.CustomerProfile{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}
