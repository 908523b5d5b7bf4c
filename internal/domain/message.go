package domain

import "time"

// 解析结果缺失字段时使用的默认值
const (
	UnknownSender = "unknown@example.com"
	NoSubject     = "(No Subject)"
)

// Message 表示一封已投递的邮件，创建后不可变。
type Message struct {
	ID          string       `json:"id"`
	MailboxID   string       `json:"mailboxId"`
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	TextContent string       `json:"textContent"`
	HTMLContent *string      `json:"htmlContent,omitempty"`
	Attachments []Attachment `json:"attachments"`
	ReceivedAt  time.Time    `json:"receivedAt"`
}

// Clone 返回深拷贝，存储层用它隔离调用方持有的副本。
func (m *Message) Clone() *Message {
	cp := *m
	if m.HTMLContent != nil {
		html := *m.HTMLContent
		cp.HTMLContent = &html
	}
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	if cp.Attachments == nil {
		cp.Attachments = []Attachment{}
	}
	return &cp
}
