package httptransport

import (
	"encoding/base64"

	"github.com/gin-gonic/gin"

	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/service"
)

type messageListResponse struct {
	Items []domain.Message `json:"items"`
	Count int              `json:"count"`
}

type inboundAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type inboundRequest struct {
	To          string              `json:"to" binding:"required"`
	From        string              `json:"from"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        *string             `json:"html"`
	Attachments []inboundAttachment `json:"attachments"`
}

type inboundResponse struct {
	ID string `json:"id"`
}

// listMessages 列出邮箱内的邮件，最新的在前
// GET /v1/messages?email=
func (h *Handler) listMessages(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		BadRequest(c, MsgMissingEmail)
		return
	}

	messages, err := h.messages.List(c.Request.Context(), email)
	if err != nil {
		respondError(c, err, MsgMessageListFailed)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	Success(c, messageListResponse{Items: messages, Count: len(messages)})
}

// inbound 接收已解析的邮件，与 SMTP 使用同样的有效期判断和默认值
// POST /v1/inbound
func (h *Handler) inbound(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	attachments := make([]domain.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			BadRequest(c, MsgInvalidAttachment)
			return
		}
		attachments = append(attachments, domain.NewAttachment(a.Filename, a.ContentType, content))
	}

	message, err := h.messages.Deliver(c.Request.Context(), service.DeliverInput{
		To:          req.To,
		From:        req.From,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
		Attachments: attachments,
	})
	if err != nil {
		respondError(c, err, MsgMessageCreateFailed)
		return
	}

	Created(c, inboundResponse{ID: message.ID})
}
