// Package report writes engine reports. A report is written to a temporary
// file and only renamed into place by Commit, so a failed flush never leaves a
// partial report behind.
package report

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const tmpSuffix = ".tmp"

type Writer struct {
	fs   afero.Fs
	path string
	f    afero.File
	buf  *bufio.Writer
	err  error
	done bool
}

// Create opens a temporary file next to path. The caller must call Commit or
// Abort; deferring Abort right after Create is always safe.
func Create(fs afero.Fs, path string) (*Writer, error) {
	f, err := fs.OpenFile(path+tmpSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating report %s: %w", path, err)
	}
	return &Writer{fs: fs, path: path, f: f, buf: bufio.NewWriter(f)}, nil
}

func (w *Writer) Path() string {
	return w.path
}

// Printf appends formatted text. The first write error is kept and returned
// by Commit.
func (w *Writer) Printf(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.buf, format, args...)
}

// Println appends the operands separated by spaces and a newline.
func (w *Writer) Println(args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintln(w.buf, args...)
}

// Commit flushes, closes and renames the report into place.
func (w *Writer) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	err := w.err
	if err == nil {
		err = w.buf.Flush()
	}
	err = multierr.Append(err, w.f.Close())
	if err == nil {
		err = w.fs.Rename(w.path+tmpSuffix, w.path)
	}
	if err != nil {
		_ = w.fs.Remove(w.path + tmpSuffix)
		return fmt.Errorf("writing report %s: %w", w.path, err)
	}
	return nil
}

// Abort discards the report. It is a no-op after Commit.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.f.Close()
	_ = w.fs.Remove(w.path + tmpSuffix)
}

// EnsureDir creates dir and its parents if needed.
func EnsureDir(fs afero.Fs, dir string) error {
	logger := logutil.GetLogger()

	info, err := fs.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists but is not a directory", dir)
		}
		logger.Debug("Folder already exists", zap.String("folder", dir))
		return nil
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating folder %s: %w", dir, err)
	}
	logger.Info("Folder created", zap.String("folder", dir))
	return nil
}

// Stamp formats t the way report and folder names embed the run date.
func Stamp(t time.Time) string {
	return t.Format("2006-01-02_15-04-05")
}

// Name builds "<prefix>_<app>_<stamp>" or "<prefix>_<stamp>" when app is empty.
func Name(prefix, app string, t time.Time) string {
	if app == "" {
		return prefix + "_" + Stamp(t)
	}
	return prefix + "_" + app + "_" + Stamp(t)
}

// Join is filepath.Join, kept here so engines build every report path the same way.
func Join(elem ...string) string {
	return filepath.Join(elem...)
}
