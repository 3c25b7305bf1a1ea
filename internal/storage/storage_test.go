package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"modulant/internal/ctxkeys"
	"modulant/internal/logger"
)

func TestSQLiteKV(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "kv.sqlite3")

	db, err := Open(dsn, "modulant_", nil)
	require.NoError(t, err)
	kv := NewSQLiteKV(db)

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
	require.NoError(t, kv.Set(ctx, "k", []byte("v2")))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(v))
	require.NoError(t, kv.Close())

	// 重新打开后数据仍在
	db, err = Open(dsn, "modulant_", nil)
	require.NoError(t, err)
	kv = NewSQLiteKV(db)
	defer kv.Close()
	v, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(v))
	assert.True(t, db.Migrator().HasTable("modulant_entries"))
}

func TestRedisKV(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	kv, err := NewRedisKV(ctx, RedisConfig{Addr: mr.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	defer kv.Close()

	_, ok, err := kv.Get(ctx, "metrics")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "metrics", []byte(`[]`)))
	raw, err := mr.Get("test:metrics")
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)

	v, ok, err := kv.Get(ctx, "metrics")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[]", string(v))

	mr.Close()
	_, _, err = kv.Get(ctx, "metrics")
	assert.Error(t, err)
}

func TestRedisKVUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisKV(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestGormLoggerTrace(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger.NewWithWriter(&buf, "debug"))
	ctx := context.WithValue(context.Background(), ctxkeys.TraceIDKey{}, "trace-1")
	sql := func() (string, int64) { return "SELECT 1", 1 }

	gl.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), sql, errors.New("x"))
	assert.Empty(t, buf.String())

	gl.Trace(ctx, time.Now(), sql, gormlogger.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	gl.Trace(ctx, time.Now(), sql, errors.New("disk full"))
	assert.Contains(t, buf.String(), "disk full")
	assert.Contains(t, buf.String(), "trace-1")
	buf.Reset()

	gl.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Contains(t, buf.String(), "threshold")
}

func TestNamespace(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	kv, err := NewRedisKV(ctx, RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer kv.Close()

	a := Namespace(kv, "tab-a")
	b := Namespace(kv, "tab-b")
	require.NoError(t, a.Set(ctx, "m", []byte("1")))
	require.NoError(t, b.Set(ctx, "m", []byte("2")))

	v, ok, err := a.Get(ctx, "m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
	v, _, _ = b.Get(ctx, "m")
	assert.Equal(t, "2", string(v))

	assert.Nil(t, Namespace(nil, "x"))
	assert.Same(t, kv, Namespace(kv, "").(*RedisKV))
}
