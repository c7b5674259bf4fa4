package httptransport

import (
	"errors"
	"net/http"

	"chatroom/backend/internal/auth"
	"chatroom/backend/internal/service"
)

// 页面提示文案
const (
	MsgSendFailed         = "Failed to send message."
	MsgDeleteFailed       = "Could not delete message."
	MsgInvalidCredentials = "Invalid email or password"
	MsgTooManyAttempts    = "Too many login attempts. Please try again later."
	MsgMessageTooLong     = "Message is too long."
)

// 通用错误消息
const (
	MsgInvalidRequest = "invalid request"
	MsgAuthRequired   = "authentication required"
	MsgInternalError  = "internal server error"
)

type errorMapping struct {
	err    error
	status int
	msg    string
}

// errorTable 业务错误 -> HTTP 状态码和提示，按顺序匹配
var errorTable = []errorMapping{
	{service.ErrEmptyMessage, http.StatusBadRequest, "message text is empty"},
	{service.ErrMessageTooLong, http.StatusUnprocessableEntity, MsgMessageTooLong},
	{service.ErrUnauthenticated, http.StatusUnauthorized, MsgAuthRequired},
	{service.ErrMessageNotFound, http.StatusNotFound, "message not found"},
	{service.ErrNotMessageOwner, http.StatusForbidden, "only the author can delete this message"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, MsgInvalidCredentials},
	{auth.ErrSessionRevoked, http.StatusUnauthorized, MsgAuthRequired},
	{auth.ErrUserNotFound, http.StatusNotFound, "user not found"},
}

// MapError 把错误映射为 HTTP 状态码和提示，未知错误视为 500
func MapError(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}
