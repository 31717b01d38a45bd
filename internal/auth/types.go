package auth

// OperatorClaims is the claim payload carried by operator tokens. The
// admin surface has a single role, so the payload stays minimal.
type OperatorClaims struct {
	Role string `json:"role"`
}

// RoleOperator is the only role the admin API recognizes.
const RoleOperator = "operator"

// TokenRequest is the operator login request
type TokenRequest struct {
	Password string `json:"password" binding:"required"`
}

// TokenResponse carries a freshly minted operator token
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // Seconds
	TokenType   string `json:"token_type"` // Always "Bearer"
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid operator password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrAuthNotConfigured  = AuthError{Code: "AUTH_NOT_CONFIGURED", Message: "operator authentication is not configured"}
)
