package common

const (
	// AccessTokenHeaderName is the gRPC metadata key carrying the session token.
	AccessTokenHeaderName = "access_token"

	// SessionCookieName is the HTTP cookie carrying the session token when no
	// Authorization header is sent.
	SessionCookieName = "gophauth_session"
)
