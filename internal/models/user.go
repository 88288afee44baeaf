package models

// User is a registered principal. Permissions maps a space name to the
// role required to act on it ("read" or "write"); an empty map combined
// with Role != RoleAdmin means no access beyond what the role implies.
type User struct {
	Username    string            `json:"username"`
	Password    string            `json:"password"`
	Role        string            `json:"role"`
	Permissions map[string]string `json:"permissions"`
}

// LoginRequest is the first line a client sends on a new connection.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
