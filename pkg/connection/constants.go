package connection

import "time"

const (
	// APIPath is appended to the base URL before the endpoint name.
	APIPath = "/api/v3/"
	// DefaultBaseURL is the public service.
	DefaultBaseURL = "https://www.notion.so"
	DefaultTimeout = 30 * time.Second

	TokenCookie      = "token_v2"
	ActiveUserHeader = "x-notion-active-user-header"

	tokenKey      = "token_v2"
	activeUserKey = "active_user"
)
