package globals

// Context keys
type ContextKey string

const RoleKey ContextKey = "role"
const UserIDKey ContextKey = "userId"

// Cookie names shared by the auth and order handlers.
const (
	TrustedPaymentCookie = "trusted_payment"
	TrustedDeviceCookie  = "trusted_device"
)
