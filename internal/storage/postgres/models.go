package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"tempmail/engine/internal/domain"
)

type mailboxRow struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	Address   string    `gorm:"type:varchar(320);not null"`
	ExpiresAt time.Time `gorm:"not null;index;precision:6"`
	CreatedAt time.Time `gorm:"not null;precision:6"`
}

func (mailboxRow) TableName() string { return "mailboxes" }

type messageRow struct {
	ID          string         `gorm:"primaryKey;type:varchar(36)"`
	MailboxID   string         `gorm:"type:varchar(64);not null;index:idx_messages_mailbox_received,priority:1"`
	FromAddress string         `gorm:"column:from_address;size:1024"`
	Subject     string         `gorm:"type:text"`
	TextContent textColumn     `gorm:"not null"`
	HTMLContent textColumn     `gorm:"not null"`
	HasHTML     bool           `gorm:"not null;default:false"`
	Attachments attachmentList `gorm:"not null"`
	ReceivedAt  time.Time      `gorm:"not null;precision:6;index:idx_messages_mailbox_received,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

func newMailboxRow(m *domain.Mailbox) mailboxRow {
	return mailboxRow{
		ID:        m.ID,
		Address:   m.Address,
		ExpiresAt: dbTime(m.ExpiresAt),
		CreatedAt: dbTime(m.CreatedAt),
	}
}

func (r mailboxRow) toDomain() *domain.Mailbox {
	return &domain.Mailbox{
		ID:        r.ID,
		Address:   r.Address,
		ExpiresAt: r.ExpiresAt.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (r messageRow) toDomain() domain.Message {
	attachments := []domain.Attachment(r.Attachments)
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	var html *string
	if r.HasHTML {
		s := string(r.HTMLContent)
		html = &s
	}
	return domain.Message{
		ID:          r.ID,
		MailboxID:   r.MailboxID,
		From:        r.FromAddress,
		Subject:     r.Subject,
		TextContent: string(r.TextContent),
		HTMLContent: html,
		Attachments: attachments,
		ReceivedAt:  r.ReceivedAt.UTC(),
	}
}

// dbTime 把时间截断到微秒，与 timestamptz(6) / datetime(6) 的精度一致
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// textColumn 是邮件正文列，MySQL 的 TEXT 只有 64KB，改用 LONGTEXT
type textColumn string

// GormDBDataType 按方言选择列类型
func (textColumn) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "mysql" {
		return "LONGTEXT"
	}
	return "TEXT"
}

// attachmentList 以 JSON 文本保存附件列表
type attachmentList []domain.Attachment

func (a attachmentList) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]domain.Attachment(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (a *attachmentList) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*a = attachmentList{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported attachments column type %T", value)
	}
	var out []domain.Attachment
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*a = out
	return nil
}

// GormDBDataType 按方言选择列类型
func (attachmentList) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "mysql" {
		return "LONGTEXT"
	}
	return "TEXT"
}
