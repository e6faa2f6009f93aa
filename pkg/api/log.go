package api

import (
	"fmt"
	"io"
	"os"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/qbridge/pkg/config"
)

// setupLog routes the standard logger to stderr or the configured file. The returned
// closer is nil for stderr.
func setupLog(cfg config.Log) (io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	if cfg.File != "" {
		fh, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // log location from config
		if err != nil {
			return nil, fmt.Errorf("can't open log file %s: %w", cfg.File, err)
		}
		out, closer = fh, fh
	}

	logOpts := []lgr.Option{lgr.Out(out), lgr.Err(out), lgr.Msec, lgr.LevelBraces}
	if cfg.Debug {
		logOpts = append(logOpts, lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.StackTraceOnError)
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
	return closer, nil
}
