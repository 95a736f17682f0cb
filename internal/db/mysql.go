package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

// errDupEntry is ER_DUP_ENTRY.
const errDupEntry = 1062

func OpenMySQL(dsn string) (*sql.DB, error) {
	dsn = withParams(dsn)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// withParams adds parseTime for applied_at, and clientFoundRows so an UPDATE
// that changes nothing still reports the matched row.
func withParams(dsn string) string {
	for _, param := range []string{"parseTime=true", "clientFoundRows=true"} {
		name := strings.SplitN(param, "=", 2)[0]
		if strings.Contains(strings.ToLower(dsn), strings.ToLower(name)+"=") {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + param
		} else {
			dsn += "?" + param
		}
	}
	return dsn
}

// MySQLStore keeps migration records in a MySQL control-plane table.
type MySQLStore struct {
	DB    *sql.DB
	Table string
}

func NewMySQLStore(db *sql.DB, table string) *MySQLStore {
	return &MySQLStore{DB: db, Table: table}
}

func (s *MySQLStore) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY AUTO_INCREMENT,
  namespace VARCHAR(255) NOT NULL,
  version BIGINT NOT NULL,
  description VARCHAR(255) NOT NULL,
  checksum CHAR(64) NOT NULL,
  direction ENUM('up','down') NOT NULL,
  status ENUM('pending','applied','failed') NOT NULL,
  applied_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
  applied_by VARCHAR(255) NOT NULL,
  duration_ms BIGINT NOT NULL,
  failed_operation INT NOT NULL DEFAULT -1,
  error TEXT NULL,
  UNIQUE KEY uniq_namespace_version (namespace, version)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, s.Table)
	_, err := s.DB.ExecContext(ctx, ddl)
	return err
}

func (s *MySQLStore) Applied(ctx context.Context, ns string) ([]migrator.Record, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT namespace, version, description, checksum, direction, status, applied_at, applied_by, duration_ms, failed_operation, error FROM %s WHERE namespace = ? ORDER BY version`, s.Table), ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []migrator.Record
	for rows.Next() {
		var (
			r         migrator.Record
			direction string
			status    string
			msg       sql.NullString
		)
		if err := rows.Scan(&r.Namespace, &r.Version, &r.Description, &r.Checksum, &direction, &status, &r.AppliedAt, &r.AppliedBy, &r.DurationMS, &r.FailedOperation, &msg); err != nil {
			return nil, err
		}
		r.Direction = migrator.Direction(direction)
		r.Status = migrator.Status(status)
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MySQLStore) Record(ctx context.Context, r migrator.Record) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (namespace, version, description, checksum, direction, status, applied_at, applied_by, duration_ms, failed_operation, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, s.Table),
		r.Namespace, r.Version, r.Description, r.Checksum, string(r.Direction), string(r.Status), r.AppliedAt, r.AppliedBy, r.DurationMS, r.FailedOperation, nullString(r.Error),
	)
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == errDupEntry {
		return migrator.ErrRecordExists
	}
	return err
}

func (s *MySQLStore) Update(ctx context.Context, r migrator.Record) error {
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET description=?, checksum=?, direction=?, status=?, applied_at=?, applied_by=?, duration_ms=?, failed_operation=?, error=?
WHERE namespace=? AND version=?
`, s.Table),
		r.Description, r.Checksum, string(r.Direction), string(r.Status), r.AppliedAt, r.AppliedBy, r.DurationMS, r.FailedOperation, nullString(r.Error),
		r.Namespace, r.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return migrator.ErrRecordNotFound
	}
	return nil
}

func (s *MySQLStore) Remove(ctx context.Context, ns string, version int64) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace=? AND version=?`, s.Table), ns, version)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
