package protocol

// websocket close codes
const (
	CloseNormal       = 1000
	CloseTokenMissing = 4001
	CloseTokenInvalid = 4002
	CloseTokenExpired = 4003
	CloseReplaced     = 4008
)

// IsAuthClose 客户端据此决定重新登录而不是重连
func IsAuthClose(code int) bool {
	return code == CloseTokenMissing || code == CloseTokenInvalid || code == CloseTokenExpired
}
