package database

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chris-alexander-pop/outbox-relay/pkg/errors"
	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"
)

// Supported relational drivers.
const (
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLite    = "sqlite"
	DriverSQLServer = "sqlserver"
)

// DB is the handle a service depends on to reach its relational store.
// Adapters (pkg/database/sql/adapters/*) implement it per driver.
type DB interface {
	// Get returns the primary connection, bound to ctx.
	Get(ctx context.Context) *gorm.DB
	// GetShard returns the connection responsible for key. Single-instance
	// adapters return the primary connection for every key.
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	Close() error
}

// NewGORMLogger builds a gorm logger that writes through pkg/logger so
// query logs carry the same trace correlation as the rest of the service.
func NewGORMLogger() gormlogger.Interface {
	return &slogGormLogger{level: gormlogger.Warn, slow: 200 * time.Millisecond}
}

type slogGormLogger struct {
	level gormlogger.LogLevel
	slow  time.Duration
}

func (l *slogGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cloned := *l
	cloned.level = level
	return &cloned
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level < gormlogger.Info {
		return
	}
	logger.L().InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level < gormlogger.Warn {
		return
	}
	logger.L().WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level < gormlogger.Error {
		return
	}
	logger.L().ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.level >= gormlogger.Error:
		logger.L().ErrorContext(ctx, "gorm query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
	case elapsed > l.slow && l.level >= gormlogger.Warn:
		logger.L().WarnContext(ctx, "slow gorm query", "sql", sql, "rows", rows, "elapsed", elapsed)
	case l.level >= gormlogger.Info:
		logger.L().DebugContext(ctx, "gorm query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}

// LoadTLSConfig builds a *tls.Config from PEM file paths. sslMode controls
// whether TLS is required at all. A nil config with a nil error means no
// custom TLS material: either sslMode is empty, "disable" or "false", or
// TLS is on but no cert or key path was given.
func LoadTLSConfig(sslMode, rootCertPath, certPath, keyPath string) (*tls.Config, error) {
	if sslMode == "" || sslMode == "disable" || sslMode == "false" {
		return nil, nil
	}
	if rootCertPath == "" && certPath == "" && keyPath == "" {
		// TLS requested but no custom material supplied: use the system pool.
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	if rootCertPath != "" {
		pem, err := os.ReadFile(rootCertPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read ssl root cert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New(errors.CodeInvalidArgument, "failed to parse ssl root cert", nil)
		}
		tlsConfig.RootCAs = pool
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load ssl client keypair")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
