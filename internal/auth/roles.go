package auth

const (
	RoleAdmin = "admin"
	RoleRead  = "read"
	RoleWrite = "write"
)
