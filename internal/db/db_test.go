package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/zulandar/senderyard/internal/config"
	"github.com/zulandar/senderyard/internal/models"
)

func memoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.DatabaseConfig
		contains []string
	}{
		{
			name:     "mysql",
			cfg:      config.DatabaseConfig{Driver: "mysql", Host: "10.0.0.5", Port: 3307, User: "yard", Name: "senderyard"},
			contains: []string{"yard@tcp(10.0.0.5:3307)/senderyard", "parseTime=true"},
		},
		{
			name:     "postgres",
			cfg:      config.DatabaseConfig{Driver: "postgres", Host: "pg", Port: 5432, User: "postgres", Password: "pw", Name: "senderyard"},
			contains: []string{"host=pg", "port=5432", "dbname=senderyard", "password=pw", "TimeZone=UTC"},
		},
		{
			name:     "sqlite file",
			cfg:      config.DatabaseConfig{Driver: "sqlite", Path: "/tmp/yard.db"},
			contains: []string{"file:/tmp/yard.db?", "_busy_timeout=5000", "_journal_mode=WAL", "_txlock=immediate"},
		},
		{
			name:     "explicit dsn wins",
			cfg:      config.DatabaseConfig{Driver: "mysql", Host: "ignored", DSN: "root@tcp(db:3306)/x"},
			contains: []string{"root@tcp(db:3306)/x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DSN(tt.cfg)
			if err != nil {
				t.Fatalf("DSN() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("DSN() = %q, missing %q", got, want)
				}
			}
		})
	}
}

func TestDSN_SQLiteMemory(t *testing.T) {
	got, err := DSN(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("DSN() error = %v", err)
	}
	if got != ":memory:" {
		t.Errorf("DSN() = %q, want %q", got, ":memory:")
	}
}

func TestDSN_UnsupportedDriver(t *testing.T) {
	_, err := DSN(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), `unsupported driver "oracle"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConnectAdmin_RejectsNonMySQL(t *testing.T) {
	_, err := ConnectAdmin(config.DatabaseConfig{Driver: "sqlite"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 6 {
		t.Errorf("AllModels() returned %d models, want 6", got)
	}
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	db := memoryDB(t)
	for _, table := range []string{"senders", "health_events", "people", "actions", "connections", "budget_counters"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %q not created", table)
		}
	}
	// Idempotent.
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate (2nd): %v", err)
	}
}

func TestDropAll(t *testing.T) {
	db := memoryDB(t)
	if err := DropAll(db); err != nil {
		t.Fatalf("DropAll: %v", err)
	}
	if db.Migrator().HasTable("actions") {
		t.Error("actions table still exists after DropAll")
	}
}

func TestSeedSenders(t *testing.T) {
	db := memoryDB(t)
	senders := []config.SenderConfig{
		{ID: "s-1", Workspace: "acme", Name: "Alice", Tier: "low"},
		{ID: "s-2", Workspace: "acme", Name: "Bob", Tier: "high"},
	}
	if err := SeedSenders(db, senders); err != nil {
		t.Fatalf("SeedSenders: %v", err)
	}

	// Existing session state survives a reseed.
	if err := db.Model(&models.Sender{}).Where("id = ?", "s-1").
		Update("session_status", models.SessionActive).Error; err != nil {
		t.Fatalf("update session: %v", err)
	}
	senders[0].Tier = "medium"
	if err := SeedSenders(db, senders); err != nil {
		t.Fatalf("SeedSenders (2nd): %v", err)
	}

	var got []models.Sender
	if err := db.Order("id").Find(&got).Error; err != nil {
		t.Fatalf("query senders: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(senders) = %d, want 2", len(got))
	}
	if got[0].Tier != "medium" {
		t.Errorf("senders[0].Tier = %q, want %q", got[0].Tier, "medium")
	}
	if got[0].SessionStatus != models.SessionActive {
		t.Errorf("senders[0].SessionStatus = %q, want %q", got[0].SessionStatus, models.SessionActive)
	}
	if got[1].HealthStatus != models.HealthHealthy {
		t.Errorf("senders[1].HealthStatus = %q, want %q", got[1].HealthStatus, models.HealthHealthy)
	}
}

func TestSeedSenders_Empty(t *testing.T) {
	if err := SeedSenders(nil, nil); err != nil {
		t.Errorf("SeedSenders(nil, nil) = %v, want nil", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"mysql deadlock", &gomysql.MySQLError{Number: 1213}, true},
		{"mysql lock wait", &gomysql.MySQLError{Number: 1205}, true},
		{"mysql duplicate", &gomysql.MySQLError{Number: 1062}, false},
		{"postgres serialization", &pgconn.PgError{Code: "40001"}, true},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"postgres unique", &pgconn.PgError{Code: "23505"}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"locked message", errors.New("database is locked"), true},
		{"plain", errors.New("record not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetry_RetriesTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return driver.ErrBadConn
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Retry = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return driver.ErrBadConn
	})
	if !errors.Is(err, driver.ErrBadConn) {
		t.Fatalf("Retry = %v, want ErrBadConn", err)
	}
	if calls != MaxRetries+1 {
		t.Errorf("calls = %d, want %d", calls, MaxRetries+1)
	}
}
