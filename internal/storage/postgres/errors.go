package postgres

import (
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"tempmail/engine/internal/domain"
)

const (
	pgUniqueViolation   = "23505"
	mysqlDuplicateEntry = 1062
)

// translate 把 gorm / 驱动错误映射到领域错误
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrMailboxNotFound
	case errors.Is(err, domain.ErrMailboxNotFound),
		errors.Is(err, domain.ErrMailboxExpired),
		errors.Is(err, domain.ErrMailboxExists):
		return err
	case isUniqueViolation(err):
		return domain.ErrMailboxExists
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
	}
}

// isUniqueViolation 识别三种驱动下的主键冲突。
// pgx 与 MySQL 在 TranslateError 开启时已转换为 gorm.ErrDuplicatedKey，lib/pq 需要自行判断。
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return false
}
