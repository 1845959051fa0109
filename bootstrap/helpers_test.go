package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassifyConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error", nil, ""},
		{"timeout", fmt.Errorf("dial: %w", timeoutError{}), "timed out"},
		{"refused errno", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, "Connection refused by NATS"},
		{"no servers", errors.New("nats: no servers available for connection"), "is not running"},
		{"dns", errors.New("dial tcp: lookup nats.internal: no such host"), "Cannot resolve hostname"},
		{"auth", errors.New("nats: Authorization Violation"), "Authentication failed"},
		{"other", errors.New("boom"), "Failed to connect to NATS at nats://localhost:4222: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ClassifyConnectionError(tt.err, "NATS", "nats://localhost:4222")
			if tt.contains == "" {
				assert.Empty(t, msg)
				return
			}
			assert.Contains(t, msg, tt.contains)
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		err      error
		contains string
	}{
		{errors.New("open db: permission denied"), "Permission denied"},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), "locked by another process"},
		{errors.New("database or disk is full (SQLITE_FULL)"), "Disk full"},
		{errors.New("database disk image is malformed"), "corrupted"},
		{errors.New("open ./x/y.db: no such file or directory"), "path does not exist"},
		{errors.New("attempt to write a read-only database: read-only file system"), "read-only"},
		{errors.New("something else"), "Failed to initialize SQLite database"},
	}

	for _, tt := range tests {
		t.Run(tt.contains, func(t *testing.T) {
			assert.Contains(t, ClassifySQLiteError(tt.err, "./data/warden.db"), tt.contains)
		})
	}
	assert.Empty(t, ClassifySQLiteError(nil, "x.db"))
}

func TestEnsureDataDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "data", "warden.db")

	require.NoError(t, EnsureDataDir(dbPath, zap.NewNop().Sugar()))

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(filepath.Join(filepath.Dir(dbPath), ".warden_write_test"))
	assert.True(t, os.IsNotExist(err), "probe file is removed")
}
