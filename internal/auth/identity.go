package auth

import "time"

type SessionRef struct {
	Code string `json:"session_code"`
	Name string `json:"name"`
}

// Identity is the authenticated user. In cookie mode the token fields stay
// empty and ExpiresAt marks when the cookie must be revalidated.
type Identity struct {
	UserID      string       `json:"id"`
	Username    string       `json:"username"`
	Role        string       `json:"role,omitempty"`
	Permissions []string     `json:"permissions,omitempty"`
	Sessions    []SessionRef `json:"sessions,omitempty"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"-"`
}

func (i Identity) clone() Identity {
	out := i
	out.Permissions = append([]string(nil), i.Permissions...)
	out.Sessions = append([]SessionRef(nil), i.Sessions...)
	return out
}

func (i Identity) HasPermission(p string) bool {
	for _, have := range i.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Grant is the credential part of an identity that a refresh replaces.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Status string

const (
	StatusAnonymous     Status = "anonymous"
	StatusLoading       Status = "loading"
	StatusAuthenticated Status = "authenticated"
)

// Snapshot is handed to subscribers; Identity is a private copy.
type Snapshot struct {
	Status   Status
	Identity *Identity
	Err      error
}
