package errors

import (
	stderrors "errors"
)

func (d Definition) Error() string {
	return d.Message
}

// Definition 表示业务错误码及默认信息。
// Definition 可比较，因此 fmt.Errorf("%w") 包装后仍可用 errors.Is 判断。
type Definition struct {
	Code    string
	Message string
}

// 定位相关错误。
var (
	LocationUnavailable = Definition{Code: "LOCATION_UNAVAILABLE", Message: "Location unavailable"}
	PermissionDenied    = Definition{Code: "PERMISSION_DENIED", Message: "Permission denied"}
)

// 后端提交相关错误。
var (
	NetworkError     = Definition{Code: "NETWORK_ERROR", Message: "Network error"}
	Unauthorized     = Definition{Code: "UNAUTHORIZED", Message: "Unauthorized"}
	AccountInactive  = Definition{Code: "ACCOUNT_INACTIVE", Message: "Account inactive"}
	ValidationFailed = Definition{Code: "VALIDATION_FAILED", Message: "Alert validation failed"}
)

// 重试队列相关错误。
var (
	MaxRetriesExceeded = Definition{Code: "MAX_RETRIES_EXCEEDED", Message: "Alert dropped after max retries"}
	FlushInProgress    = Definition{Code: "FLUSH_IN_PROGRESS", Message: "Queue flush already in progress"}
	FlushRateLimited   = Definition{Code: "FLUSH_RATE_LIMITED", Message: "Queue flush rate limited"}
	NoticeNotFound     = Definition{Code: "NOTICE_NOT_FOUND", Message: "Failure notice not found"}
	InvalidAlertKind   = Definition{Code: "INVALID_ALERT_KIND", Message: "Invalid alert kind"}
)

// 接口层错误。
var (
	InvalidRequest     = Definition{Code: "INVALID_REQUEST", Message: "Invalid request"}
	RequestRateLimited = Definition{Code: "RATE_LIMITED", Message: "Too many requests"}
)

// 近场中继错误，只记录日志，不会向调用方返回。
var (
	RelayUnsupported = Definition{Code: "RELAY_UNSUPPORTED", Message: "Short-range relay unsupported"}
)

// Lookup 提供错误码查询能力。
var Lookup = map[string]Definition{
	LocationUnavailable.Code: LocationUnavailable,
	PermissionDenied.Code:    PermissionDenied,
	NetworkError.Code:        NetworkError,
	Unauthorized.Code:        Unauthorized,
	AccountInactive.Code:     AccountInactive,
	ValidationFailed.Code:    ValidationFailed,
	MaxRetriesExceeded.Code:  MaxRetriesExceeded,
	FlushInProgress.Code:     FlushInProgress,
	FlushRateLimited.Code:    FlushRateLimited,
	NoticeNotFound.Code:      NoticeNotFound,
	InvalidAlertKind.Code:    InvalidAlertKind,
	RelayUnsupported.Code:    RelayUnsupported,
	InvalidRequest.Code:      InvalidRequest,
	RequestRateLimited.Code:  RequestRateLimited,
}

// Get 根据错误码返回 Definition，若不存在则返回空 Definition。
func Get(code string) Definition {
	if def, ok := Lookup[code]; ok {
		return def
	}
	return Definition{Code: code, Message: "Unexpected error"}
}

// As 从错误链中取出 Definition
func As(err error) (Definition, bool) {
	var def Definition
	if stderrors.As(err, &def) {
		return def, true
	}
	return Definition{}, false
}

// IsTerminal 判断后端错误是否为终止类错误：不重试、不入队
func IsTerminal(err error) bool {
	return stderrors.Is(err, Unauthorized) ||
		stderrors.Is(err, AccountInactive) ||
		stderrors.Is(err, ValidationFailed)
}

// IsNetwork 判断是否为可重试的网络类错误。
// 未被识别的错误一律按网络类处理，宁可入队也不丢失告警。
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	return !IsTerminal(err)
}

// IsPermissionDenied 判断是否为平台拒绝授权
func IsPermissionDenied(err error) bool {
	return stderrors.Is(err, PermissionDenied)
}
