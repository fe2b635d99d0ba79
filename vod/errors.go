package vod

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/recative/polyv/upload"
)

// Error is a platform failure carrying the engine status code the condition
// maps onto.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("polyv vod: %s (status %d)", e.Message, e.Status)
}

// refusalError classifies a non-OK platform envelope. The platform reports
// an exhausted account in the response message, in either language.
func refusalError(resp apiResponse) *Error {
	status := upload.StatusInitFailed
	msg := strings.ToLower(resp.Message)
	if strings.Contains(msg, "quota") || strings.Contains(msg, "space") || strings.Contains(resp.Message, "空间不足") {
		status = upload.StatusQuotaExceeded
	}
	return &Error{Status: status, Message: fmt.Sprintf("platform refused request: [%d] %s", resp.Code, resp.Message)}
}

// initStatus maps a session-opening failure onto the engine conclusion code.
func initStatus(err error) int {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Status
	}
	return upload.StatusInitFailed
}

// transferStatus maps a chunk-transfer failure onto the engine conclusion
// code. Zero means the failure is not mappable and the run should reject.
func transferStatus(err error) int {
	var serr oss.ServiceError
	if errors.As(err, &serr) {
		switch serr.Code {
		case "SecurityTokenExpired", "InvalidSecurityToken", "ExpiredToken", "InvalidAccessKeyId":
			return upload.StatusTokenExpired
		case "NoSuchUpload":
			return upload.StatusSessionExpired
		}
		if serr.StatusCode == 403 {
			return upload.StatusTokenExpired
		}
		if serr.StatusCode >= 500 {
			return upload.StatusRetryable
		}
		return 0
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return upload.StatusRetryable
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return upload.StatusRetryable
	}
	return 0
}
