package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

func TestOpenMySQLAppendsParams(t *testing.T) {
	dsn := "user:pass@tcp(localhost:3306)/db"
	db, err := OpenMySQL(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Close()

	if got := withParams(dsn); got != dsn+"?parseTime=true&clientFoundRows=true" {
		t.Fatalf("withParams: %s", got)
	}
	if got := withParams(dsn + "?parseTime=false"); got != dsn+"?parseTime=false&clientFoundRows=true" {
		t.Fatalf("withParams kept user param: %s", got)
	}
}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db, "schema_migrations"), mock
}

func TestMySQLStoreEnsureTable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStoreApplied(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"namespace", "version", "description", "checksum", "direction", "status", "applied_at", "applied_by", "duration_ms", "failed_operation", "error"}).
		AddRow("mongo-product", 1, "create_product_catalog", "abc", "up", "applied", at, "ci", 12, -1, nil).
		AddRow("mongo-product", 2, "seed_product_catalog", "def", "up", "failed", at, "ci", 3, 2, "E11000")
	mock.ExpectQuery(`SELECT .* FROM schema_migrations WHERE namespace = \? ORDER BY version`).
		WithArgs("mongo-product").
		WillReturnRows(rows)

	recs, err := s.Applied(context.Background(), "mongo-product")
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records, got %d", len(recs))
	}
	if recs[0].Status != migrator.StatusApplied || recs[0].Error != "" || recs[0].FailedOperation != migrator.NoOperation {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].Status != migrator.StatusFailed || recs[1].FailedOperation != 2 || recs[1].Error != "E11000" {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
}

func TestMySQLStoreRecordDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'mongo-product-1'"})

	err := s.Record(context.Background(), migrator.Record{Namespace: "mongo-product", Version: 1, Direction: migrator.Up, Status: migrator.StatusPending})
	if !errors.Is(err, migrator.ErrRecordExists) {
		t.Fatalf("want ErrRecordExists, got %v", err)
	}
}

func TestMySQLStoreUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE schema_migrations SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE schema_migrations SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	r := migrator.Record{Namespace: "mongo-product", Version: 1, Direction: migrator.Up, Status: migrator.StatusApplied}
	if err := s.Update(context.Background(), r); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Update(context.Background(), r); !errors.Is(err, migrator.ErrRecordNotFound) {
		t.Fatalf("want ErrRecordNotFound, got %v", err)
	}
}

func TestMySQLStoreRemove(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM schema_migrations WHERE namespace=\? AND version=\?`).
		WithArgs("mongo-product", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Remove(context.Background(), "mongo-product", 3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
