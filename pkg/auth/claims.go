package auth

import "github.com/golang-jwt/jwt/v5"

// AccessTokenClaims is the token shape issued by the auth collaborator. The
// subject carries the user id.
type AccessTokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}
