package service

import "errors"

// 业务层错误分类，handler 据此映射 HTTP 状态码。
// 校验与授权错误是终态，调用方不应重试；冲突按 last-writer-wins 解决。
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrRoomNotFound = errors.New("room not found")
)
