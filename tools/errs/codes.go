package errs

// 传输层错误码
const (
	TokenMissingError   = 4001
	TokenInvalidError   = 4002
	TokenExpiredError   = 4003
	ConnLimitError      = 4008
	BadRequestError     = 400
	ForbiddenError      = 403
	NotFoundError       = 404
	ProtocolError       = 422
	ServerInternalError = 500
)

var (
	ErrTokenMissing   = NewCodeError(TokenMissingError, "token missing")
	ErrTokenInvalid   = NewCodeError(TokenInvalidError, "token invalid")
	ErrTokenExpired   = NewCodeError(TokenExpiredError, "token expired")
	ErrConnLimit      = NewCodeError(ConnLimitError, "connection limit reached")
	ErrBadRequest     = NewCodeError(BadRequestError, "bad request")
	ErrForbidden      = NewCodeError(ForbiddenError, "forbidden")
	ErrNotFound       = NewCodeError(NotFoundError, "not found")
	ErrProtocol       = NewCodeError(ProtocolError, "protocol violation")
	ErrServerInternal = NewCodeError(ServerInternalError, "server internal error")
)

// IsAuthFailure 缺失/无效/过期 token 三类都对连接致命
func IsAuthFailure(err error) bool {
	switch Code(err).Code {
	case TokenMissingError, TokenInvalidError, TokenExpiredError:
		return true
	}
	return false
}

// CloseCode 认证类错误对应的 websocket close code；其他错误返回 0
func CloseCode(err error) int {
	switch c := Code(err).Code; c {
	case TokenMissingError, TokenInvalidError, TokenExpiredError, ConnLimitError:
		return c
	}
	return 0
}

// Slug 下发给客户端的 error.code 字段
func Slug(err error) string {
	switch Code(err).Code {
	case BadRequestError:
		return "bad_request"
	case ForbiddenError:
		return "forbidden"
	case NotFoundError:
		return "not_found"
	case ProtocolError:
		return "protocol"
	case TokenMissingError, TokenInvalidError, TokenExpiredError:
		return "unauthorized"
	case ConnLimitError:
		return "conn_limit"
	default:
		return "internal"
	}
}
