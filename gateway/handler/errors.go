// Package handler 实现各 WebSocket 事件的业务逻辑。
package handler

import (
	"errors"

	"github.com/ceyewan/genesis/xerrors"
)

// 错误码，进入 ack / error 帧的 code 字段
const (
	CodeRateLimited = "RATE_LIMITED"
	CodeForbidden   = "FORBIDDEN"
	CodeInvalid     = "INVALID"
	CodeInternal    = "INTERNAL"
)

// 业务错误哨兵
var (
	ErrRateLimited    = xerrors.New("rate limited")
	ErrNotParticipant = xerrors.New("not a participant of this room")
	ErrRoomNotFound   = xerrors.New("room not found")
	ErrMessageLength  = xerrors.New("message length out of range")
	ErrInvalidPayload = xerrors.New("invalid payload")
)

// ErrorCode 将业务错误映射为协议错误码
// 未识别的错误一律归为 INTERNAL，不向客户端泄露内部细节。
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrRoomNotFound):
		return CodeForbidden
	case errors.Is(err, ErrMessageLength), errors.Is(err, ErrInvalidPayload):
		return CodeInvalid
	default:
		return CodeInternal
	}
}

// ClientMessage 返回可以安全下发给客户端的错误文案
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "too many requests, slow down"
	case errors.Is(err, ErrNotParticipant):
		return "you are not a participant of this room"
	case errors.Is(err, ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, ErrMessageLength):
		return "message must be between 1 and 5000 characters"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid payload"
	default:
		return "internal error"
	}
}
