// Package common contains shared constants and sentinel errors used across
// server components.
package common

const (
	// AuthorizationHeaderName carries the bearer access token.
	AuthorizationHeaderName = "Authorization"

	// AdminSecretHeaderName carries the shared admin secret for destructive
	// admin-only endpoints.
	AdminSecretHeaderName = "X-Admin-Secret"

	// BearerPrefix precedes the token in the Authorization header.
	BearerPrefix = "Bearer "
)
