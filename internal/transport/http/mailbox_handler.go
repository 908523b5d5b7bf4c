package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/engine/internal/domain"
)

type mailboxResponse struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type statusResponse struct {
	Status    domain.MailboxStatus `json:"status"`
	ExpiresAt *time.Time           `json:"expiresAt,omitempty"`
}

type extendRequest struct {
	Email string `json:"email"`
	ID    string `json:"id"`
}

type extendResponse struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// createMailbox 分配新的临时邮箱
// POST /v1/mailboxes
func (h *Handler) createMailbox(c *gin.Context) {
	mailbox, err := h.mailboxes.Allocate(c.Request.Context())
	if err != nil {
		h.log.Error("mailbox allocation failed", zap.Error(err))
		_ = c.Error(err)
		InternalError(c, MsgMailboxCreateFailed)
		return
	}

	Created(c, mailboxResponse{
		ID:        mailbox.ID,
		Address:   mailbox.Address,
		CreatedAt: mailbox.CreatedAt,
		ExpiresAt: mailbox.ExpiresAt,
	})
}

// mailboxStatus 查询邮箱状态，只有 valid 返回 200
// GET /v1/mailboxes/status?email=
func (h *Handler) mailboxStatus(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		BadRequest(c, MsgMissingEmail)
		return
	}

	status, mailbox, err := h.mailboxes.CheckByAddress(c.Request.Context(), email)
	if err != nil {
		_ = c.Error(err)
		InternalError(c, MsgMailboxCheckFailed)
		return
	}

	switch status {
	case domain.StatusValid:
		expiresAt := mailbox.ExpiresAt
		Success(c, statusResponse{Status: status, ExpiresAt: &expiresAt})
	case domain.StatusExpired:
		NotFound(c, MsgMailboxExpired, statusResponse{Status: status})
	default:
		NotFound(c, MsgMailboxNotFound, statusResponse{Status: status})
	}
}

// extendMailbox 把有效期重置为当前时间起 24 小时，过期邮箱同样可以续期
// POST /v1/mailboxes/extend
func (h *Handler) extendMailbox(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = domain.LocalPart(req.Email)
	}
	if id == "" {
		BadRequest(c, MsgMissingMailbox)
		return
	}

	expiresAt, err := h.mailboxes.Extend(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, MsgMailboxExtendFailed)
		return
	}

	Success(c, extendResponse{ID: id, ExpiresAt: expiresAt})
}
