package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type kvEntry struct {
	Key       string `gorm:"primaryKey;column:key"`
	Value     string `gorm:"type:text;column:value"`
	ExpiresAt int64  `gorm:"column:expires_at;index"` // unix seconds, 0 = no expiry
	UpdatedAt time.Time
}

func (kvEntry) TableName() string { return "kv_entries" }

// SQLite is the on-disk Store. A single table of rows keyed by string; an
// expired row is treated as missing and lazily deleted on the next read.
type SQLite struct {
	orm *gorm.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	orm, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := orm.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("migrate kv_entries: %w", err)
	}
	return &SQLite{orm: orm, now: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var row kvEntry
	err := s.orm.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %q: %w", key, err)
	}
	if row.ExpiresAt > 0 && row.ExpiresAt <= s.now().Unix() {
		_ = s.orm.WithContext(ctx).Delete(&kvEntry{}, "key = ?", key).Error
		return "", false, nil
	}
	return row.Value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	return s.setEntry(ctx, key, value, 0)
}

func (s *SQLite) SetTTL(ctx context.Context, key, value string, ttlSeconds int64) error {
	var exp int64
	if ttlSeconds > 0 {
		exp = s.now().Add(time.Duration(ttlSeconds) * time.Second).Unix()
	}
	return s.setEntry(ctx, key, value, exp)
}

func (s *SQLite) setEntry(ctx context.Context, key, value string, expiresAt int64) error {
	row := kvEntry{Key: key, Value: value, ExpiresAt: expiresAt, UpdatedAt: s.now()}
	err := s.orm.WithContext(ctx).Save(&row).Error
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	err := s.orm.WithContext(ctx).Delete(&kvEntry{}, "key = ?", key).Error
	if err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	var rows []kvEntry
	err := s.orm.WithContext(ctx).Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
	}
	now := s.now().Unix()
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		if row.ExpiresAt > 0 && row.ExpiresAt <= now {
			continue
		}
		out[row.Key] = row.Value
	}
	return out, nil
}

func (s *SQLite) Close() error {
	db, err := s.orm.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
