package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bertrandmartel/othent/sdk/jwt"
)

const (
	StoragePrefix     = "othent"
	DefaultStorageKey = "othentUserDetails"
	AuthSystemKMS     = "KMS"
)

var ErrInvalidStorageKey = errors.New(`storage key must start with "` + StoragePrefix + `"`)

// CheckStorageKey rejects keys outside the reserved namespace. An empty key
// means the slot is disabled and is accepted.
func CheckStorageKey(key string) error {
	if key != "" && !strings.HasPrefix(key, StoragePrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidStorageKey, key)
	}
	return nil
}

type UserDetails struct {
	Sub                string `json:"sub"`
	Name               string `json:"name"`
	GivenName          string `json:"givenName"`
	MiddleName         string `json:"middleName"`
	FamilyName         string `json:"familyName"`
	Nickname           string `json:"nickname"`
	PreferredUsername  string `json:"preferredUsername"`
	Profile            string `json:"profile"`
	Picture            string `json:"picture"`
	Website            string `json:"website"`
	Locale             string `json:"locale"`
	UpdatedAt          string `json:"updatedAt"`
	Email              string `json:"email"`
	EmailVerified      bool   `json:"emailVerified"`
	Owner              string `json:"owner"`
	WalletAddress      string `json:"walletAddress"`
	WalletAddressLabel string `json:"walletAddressLabel"`
	AuthSystem         string `json:"authSystem"`
}

// StoredUserDetails is the envelope written to the durable slot. Both
// timestamps use http.TimeFormat.
type StoredUserDetails struct {
	UserDetails *UserDetails `json:"userDetails"`
	CreatedAt   string       `json:"createdAt"`
	ExpiredBy   string       `json:"expiredBy"`
}

// IsValidUser reports whether the claims describe a user whose KMS wallet
// has been created.
func IsValidUser(claims *jwt.Claims) bool {
	return claims != nil &&
		claims.Subject != "" &&
		claims.Owner != "" &&
		claims.WalletAddress != "" &&
		claims.AuthSystem == AuthSystemKMS
}

// Valid applies the same rule to already decoded details.
func (u *UserDetails) Valid() bool {
	return u != nil &&
		u.Sub != "" &&
		u.Owner != "" &&
		u.WalletAddress != "" &&
		u.AuthSystem == AuthSystemKMS
}

func UserDetailsFromClaims(claims *jwt.Claims) *UserDetails {
	if claims == nil {
		return nil
	}
	return &UserDetails{
		Sub:                claims.Subject,
		Name:               claims.Name,
		GivenName:          claims.GivenName,
		MiddleName:         claims.MiddleName,
		FamilyName:         claims.FamilyName,
		Nickname:           claims.Nickname,
		PreferredUsername:  claims.PreferredUsername,
		Profile:            claims.Profile,
		Picture:            claims.Picture,
		Website:            claims.Website,
		Locale:             claims.Locale,
		UpdatedAt:          claims.UpdatedAt,
		Email:              claims.Email,
		EmailVerified:      claims.EmailVerified,
		Owner:              claims.Owner,
		WalletAddress:      claims.WalletAddress,
		WalletAddressLabel: AddressLabel(claims.Subject, claims.Email),
		AuthSystem:         claims.AuthSystem,
	}
}

// AddressLabel names a wallet after the identity provider found in the sub
// prefix, e.g. "Google (john@example.com)" for "google-oauth2|123".
func AddressLabel(sub string, email string) string {
	provider := sub
	if i := strings.Index(sub, "|"); i >= 0 {
		provider = sub[:i]
	}
	provider = strings.TrimSuffix(provider, "-oauth2")
	if provider == "" {
		return email
	}
	provider = strings.ToUpper(provider[:1]) + provider[1:]
	if email == "" {
		return provider
	}
	return fmt.Sprintf("%s (%s)", provider, email)
}
