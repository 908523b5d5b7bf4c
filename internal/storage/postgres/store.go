// Package postgres 是基于 gorm 的 SQL 存储。
//
// 除 PostgreSQL (pgx 或 lib/pq 驱动) 外，database.type=mysql 时同一实现
// 通过 gorm 的 MySQL 方言服务 MySQL。
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // 注册 "postgres" 驱动，database.driver=pq 时使用
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/config"
	"tempmail/engine/internal/domain"
)

// Store 基于 GORM 的 SQL 存储，支持 PostgreSQL 与 MySQL
type Store struct {
	db    *gorm.DB
	clock clock.Clock
	log   *zap.Logger
}

// Open 按配置选择方言与驱动并创建存储
func Open(cfg config.DatabaseConfig, clk clock.Clock, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		if cfg.Driver == "pq" {
			dialector = postgres.New(postgres.Config{DriverName: "postgres", DSN: cfg.DSN})
		} else {
			dialector = postgres.Open(cfg.DSN)
		}
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	store, err := NewStoreWithDialector(dialector, clk, log)
	if err != nil {
		return nil, err
	}

	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例并迁移表结构
func NewStoreWithDialector(dialector gorm.Dialector, clk clock.Clock, log *zap.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return dbTime(clk.Now())
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db, clock: clk, log: log}
	if err := store.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("sql store ready", zap.String("dialect", dialector.Name()))
	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&mailboxRow{}, &messageRow{})
}

// DropSchema 删除邮件表和邮箱表
func (s *Store) DropSchema() error {
	return s.db.Migrator().DropTable(&messageRow{}, &mailboxRow{})
}

// CreateMailbox 插入新邮箱，主键冲突映射为 domain.ErrMailboxExists
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	row := newMailboxRow(mailbox)
	return translate("create mailbox", s.db.WithContext(ctx).Create(&row).Error)
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var row mailboxRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, translate("get mailbox", err)
	}
	return row.toDomain(), nil
}

// GetMailboxByAddress 按本地部分获取邮箱
func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	return s.GetMailbox(ctx, domain.LocalPart(address))
}

// UpdateExpiry 在行锁内更新过期时间
func (s *Store) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row mailboxRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		return tx.Model(&mailboxRow{}).Where("id = ?", id).Update("expires_at", dbTime(expiresAt)).Error
	})
	return translate("update expiry", err)
}

// AppendMessage 追加邮件
func (s *Store) AppendMessage(ctx context.Context, mailboxID string, message *domain.Message) (string, error) {
	return s.append(ctx, mailboxID, nil, message)
}

// AppendMessageIfValid 在邮箱行锁内复核有效期后追加邮件
func (s *Store) AppendMessageIfValid(ctx context.Context, mailboxID string, now time.Time, message *domain.Message) (string, error) {
	return s.append(ctx, mailboxID, &now, message)
}

func (s *Store) append(ctx context.Context, mailboxID string, now *time.Time, message *domain.Message) (string, error) {
	row := messageRow{
		ID:          uuid.NewString(),
		MailboxID:   mailboxID,
		FromAddress: message.From,
		Subject:     message.Subject,
		TextContent: textColumn(message.TextContent),
		Attachments: attachmentList(message.Attachments),
	}

	if message.HTMLContent != nil {
		row.HTMLContent = textColumn(*message.HTMLContent)
		row.HasHTML = true
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 锁住邮箱行，串行化同一邮箱的投递、续期与清理
		var mb mailboxRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", mailboxID).Take(&mb).Error; err != nil {
			return err
		}
		if now != nil && !now.Before(mb.ExpiresAt) {
			return domain.ErrMailboxExpired
		}

		var last sql.NullTime
		if err := tx.Model(&messageRow{}).Select("MAX(received_at)").Where("mailbox_id = ?", mailboxID).Row().Scan(&last); err != nil {
			return err
		}

		row.ReceivedAt = dbTime(s.clock.Now())
		if last.Valid && !row.ReceivedAt.After(last.Time) {
			row.ReceivedAt = dbTime(last.Time).Add(time.Microsecond)
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return "", translate("append message", err)
	}

	message.ID = row.ID
	message.MailboxID = mailboxID
	message.ReceivedAt = row.ReceivedAt
	if message.Attachments == nil {
		message.Attachments = []domain.Attachment{}
	}
	return row.ID, nil
}

// ListMessages 按 receivedAt 倒序返回邮件
func (s *Store) ListMessages(ctx context.Context, mailboxID string) ([]domain.Message, error) {
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&mailboxRow{}).Where("id = ?", mailboxID).Count(&count).Error; err != nil {
		return nil, translate("list messages", err)
	}
	if count == 0 {
		return nil, domain.ErrMailboxNotFound
	}

	var rows []messageRow
	if err := db.Where("mailbox_id = ?", mailboxID).Order("received_at DESC").Find(&rows).Error; err != nil {
		return nil, translate("list messages", err)
	}

	messages := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.toDomain())
	}
	return messages, nil
}

// DeleteExpiredMailboxes 删除过期邮箱及其邮件
func (s *Store) DeleteExpiredMailboxes(ctx context.Context, before time.Time) (int, error) {
	var deleted int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&mailboxRow{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("expires_at < ?", dbTime(before)).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("mailbox_id IN ?", ids).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&mailboxRow{})
		if res.Error != nil {
			return res.Error
		}
		deleted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, translate("delete expired mailboxes", err)
	}
	return deleted, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 健康检查
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return translate("health", err)
	}
	return translate("health", sqlDB.PingContext(ctx))
}

// truncate 清空全部数据，仅供测试使用
func (s *Store) truncate() error {
	if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&messageRow{}).Error; err != nil {
		return err
	}
	return s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&mailboxRow{}).Error
}
