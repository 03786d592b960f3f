package errors

import "errors"

// ========== 错误码常量定义 ==========

// CodeSuccess 成功码
const (
	CodeSuccess = 200
)

// HTTP层错误码 (400-599)
const (
	CodeInvalidParam = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeConflict     = 409
	CodeServerError  = 500
)

// ========== 领域错误 ==========

// 所有Service层返回的业务错误都归入以下类别，
// Handler层通过 errors.Is 映射为对应的HTTP响应
var (
	ErrNotFound       = errors.New("资源不存在")
	ErrConflict       = errors.New("资源冲突")
	ErrAccessDenied   = errors.New("权限不足")
	ErrProtected      = errors.New("受保护分支拒绝该操作")
	ErrSessionExpired = errors.New("协作会话已过期，请重新加入")
	ErrAutosaveFailed = errors.New("自动保存提交失败")
)

// Wrap 在领域错误上附加说明
func Wrap(kind error, message string) error {
	return &domainError{kind: kind, message: message}
}

type domainError struct {
	kind    error
	message string
}

func (e *domainError) Error() string {
	return e.message
}

func (e *domainError) Unwrap() error {
	return e.kind
}
