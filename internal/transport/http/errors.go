package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"tempmail/engine/internal/domain"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = []struct {
	err error
	msg string
}{
	{domain.ErrMailboxNotFound, MsgMailboxNotFound},
	{domain.ErrMailboxExpired, MsgMailboxExpired},
	{domain.ErrParseFailure, MsgInvalidRequest},
}

// GetErrorMessage 获取错误的中文消息，未知错误不暴露内部细节
func GetErrorMessage(err error) string {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return MsgInternalError
}

// respondError 按错误类型选择状态码：找不到或已过期为 404，其余为 500
func respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrMailboxNotFound), errors.Is(err, domain.ErrMailboxExpired):
		NotFound(c, GetErrorMessage(err), nil)
	default:
		_ = c.Error(err)
		InternalError(c, fallback)
	}
}

// 通用错误消息
const (
	MsgInvalidRequest    = "请求参数格式错误"
	MsgMissingEmail      = "缺少 email 参数"
	MsgMissingMailbox    = "需要提供 email 或 id"
	MsgInvalidAttachment = "附件内容必须是 base64 编码"

	MsgMailboxCreateFailed = "创建邮箱失败"
	MsgMailboxNotFound     = "邮箱不存在"
	MsgMailboxExpired      = "邮箱已过期"
	MsgMailboxCheckFailed  = "查询邮箱状态失败"
	MsgMailboxExtendFailed = "邮箱续期失败"

	MsgMessageCreateFailed = "保存邮件失败"
	MsgMessageListFailed   = "获取邮件列表失败"

	MsgInternalError = "服务器内部错误，请稍后重试"
)
