// Package logging builds the process logger handed to every component.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ThymoBruce/workplans/internal/config"
)

// Output returns the log destination for cfg: stderr, or a rotating file
// when cfg.File is set. The returned closer must be called on shutdown.
func Output(cfg config.LogConfig, dataDir string) (io.Writer, func() error) {
	if cfg.File == "" {
		return os.Stderr, func() error { return nil }
	}

	path := cfg.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, path)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return rotator, rotator.Close
}

// New returns a logger writing to w with a bracketed component prefix,
// e.g. New(w, "sync") logs "[sync] ...".
func New(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}
