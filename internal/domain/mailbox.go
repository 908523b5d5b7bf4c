package domain

import "time"

// Mailbox 表示一个临时邮箱。ID 同时是地址的本地部分。
type Mailbox struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// ValidAt 判断邮箱在给定时刻是否可用（now < expiresAt）。
func (m *Mailbox) ValidAt(now time.Time) bool {
	return now.Before(m.ExpiresAt)
}

// MailboxStatus 是状态查询的三态结果。
type MailboxStatus string

const (
	StatusValid    MailboxStatus = "valid"
	StatusNotFound MailboxStatus = "not_found"
	StatusExpired  MailboxStatus = "expired"
)
