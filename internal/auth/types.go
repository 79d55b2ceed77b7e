package auth

import "time"

const maxDisplayNameLength = 100

// Account is a registered user. CredentialHash and SessionToken never leave
// the service through JSON.
type Account struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	CredentialHash string    `json:"-"`
	DisplayName    string    `json:"name"`
	SessionToken   string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasSession reports whether the account currently holds a token.
func (a Account) HasSession() bool {
	return a.SessionToken != ""
}

type RegisterInput struct {
	Username    string
	Password    string
	DisplayName string
}

// ProfileUpdate carries the optional fields of a profile change. A nil or
// empty value leaves the stored field as it is.
type ProfileUpdate struct {
	Password    *string
	DisplayName *string
}

// ProfileChanges is the stored form of a profile update. Nil fields keep
// their current column value.
type ProfileChanges struct {
	CredentialHash *string
	DisplayName    *string
	UpdatedAt      time.Time
}
