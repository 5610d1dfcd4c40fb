// Package kv opens the embedded badger stores used for the vector index and
// the local location cache.
package kv

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// zapBadgerLogger adapts the global zap logger to badger.Logger.
type zapBadgerLogger struct {
	log *zap.Logger
}

var _ badger.Logger = (*zapBadgerLogger)(nil)

func (l *zapBadgerLogger) Errorf(msg string, args ...any) {
	l.log.Error(fmt.Sprintf(msg, args...))
}

func (l *zapBadgerLogger) Warningf(msg string, args ...any) {
	l.log.Warn(fmt.Sprintf(msg, args...))
}

// Infof is demoted to debug; badger is chatty during compaction.
func (l *zapBadgerLogger) Infof(msg string, args ...any) {
	l.log.Debug(fmt.Sprintf(msg, args...))
}

func (l *zapBadgerLogger) Debugf(msg string, args ...any) {
	l.log.Debug(fmt.Sprintf(msg, args...))
}

// Open opens a badger database at dir, creating the directory if needed.
// When inMemory is true dir is ignored and nothing touches disk.
func Open(dir string, inMemory bool) (*badger.DB, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if dir == "" {
			return nil, eris.New("kv: path is required")
		}
		info, err := os.Stat(dir)
		switch {
		case os.IsNotExist(err):
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, eris.Wrapf(err, "kv: create %s", dir)
			}
		case err != nil:
			return nil, eris.Wrapf(err, "kv: stat %s", dir)
		case !info.IsDir():
			return nil, eris.Errorf("kv: %s is not a directory", dir)
		}
		opts = badger.DefaultOptions(dir)
	}

	opts.Logger = &zapBadgerLogger{log: zap.L().Named("badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrapf(err, "kv: open %s", dir)
	}
	return db, nil
}
