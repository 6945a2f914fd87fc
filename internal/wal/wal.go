// Package wal implements a paged, append-only write-ahead log.
//
// A WAL directory holds a dense sequence of files log_page_0, log_page_1,
// … Writes always land on the newest ("current") page; a new page is
// allocated once the current page's size plus the next record would
// exceed MaxSizePerPage. Pages are content-opaque: record framing is the
// caller's responsibility (see internal/alarmservice for the
// length-prefixed framing used on top of this package).
//
// The directory is protected by a non-blocking flock on a sidecar
// .lock file, enforcing the single-writer invariant at the OS level: a
// second process opening the same directory fails fast instead of
// silently interleaving writes with the first.
package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// pagePrefix names every WAL segment file: log_page_<N>.
const pagePrefix = "log_page_"

const lockFileName = ".lock"

// Kind distinguishes the failure modes the WAL surfaces to callers.
type Kind int

const (
	// KindIO covers filesystem failures: open, read, write, stat, flock.
	KindIO Kind = iota
	// KindPageIndexOutOfRange is returned by Read when the requested
	// page does not exist. Recovery treats this as a normal termination
	// signal rather than a fatal error.
	KindPageIndexOutOfRange
)

// Error wraps a WAL failure with its Kind so callers can distinguish a
// normal end-of-log condition from a genuine I/O fault.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "wal: page index out of range"
}

func (e *Error) Unwrap() error { return e.Err }

func ioError(err error) error {
	return &Error{Kind: KindIO, Err: err}
}

// IsPageIndexOutOfRange reports whether err is a KindPageIndexOutOfRange
// WAL error.
func IsPageIndexOutOfRange(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindPageIndexOutOfRange
	}
	return false
}

// page is a single log file: one append-only writer and one positioned
// reader, both backed by the same underlying file.
type page struct {
	writer *os.File
	reader *os.File
}

func openPage(path string) (*page, error) {
	writer, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, ioError(fmt.Errorf("open page %q for append: %w", path, err))
	}
	reader, err := os.OpenFile(path, os.O_RDONLY, 0o600)
	if err != nil {
		writer.Close()
		return nil, ioError(fmt.Errorf("open page %q for read: %w", path, err))
	}
	return &page{writer: writer, reader: reader}, nil
}

func (p *page) size() (int64, error) {
	info, err := p.writer.Stat()
	if err != nil {
		return 0, ioError(fmt.Errorf("stat page: %w", err))
	}
	return info.Size(), nil
}

// write appends data and returns the offset the record starts at.
func (p *page) write(data []byte) (int64, error) {
	offset, err := p.size()
	if err != nil {
		return 0, err
	}
	if _, err := p.writer.Write(data); err != nil {
		return 0, ioError(fmt.Errorf("write page: %w", err))
	}
	return offset, nil
}

// read positions the reader at offset and attempts to fill buf,
// returning the number of bytes actually read (0 at EOF).
func (p *page) read(offset int64, buf []byte) (int, error) {
	n, err := p.reader.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, ioError(fmt.Errorf("read page: %w", err))
	}
	return n, nil
}

func (p *page) close() error {
	err1 := p.writer.Close()
	err2 := p.reader.Close()
	if err1 != nil {
		return ioError(err1)
	}
	if err2 != nil {
		return ioError(err2)
	}
	return nil
}

// Config configures a WAL directory.
type Config struct {
	// Dir is the directory holding log_page_<N> files. Created if absent.
	Dir string
	// MaxSizePerPage bounds how large a single page grows before the
	// next append rolls onto a new page. A single record larger than
	// MaxSizePerPage is still accepted as long as the current page is
	// empty — callers must keep MaxSizePerPage >= their largest record.
	MaxSizePerPage int64
}

// WAL is a paged append-only log directory.
type WAL struct {
	dir            string
	maxSizePerPage int64
	pages          []*page
	lockFile       *os.File
}

// New opens (or creates) the WAL directory described by config. If the
// directory has no log_page_* files yet, log_page_0 is created. Existing
// pages are discovered, sorted numerically (not lexicographically —
// log_page_10 must sort after log_page_2), and opened for both append
// and positioned reads.
func New(config Config) (*WAL, error) {
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, ioError(fmt.Errorf("mkdir wal dir %q: %w", config.Dir, err))
	}

	lockFile, err := acquireLock(config.Dir)
	if err != nil {
		return nil, err
	}

	indices, err := findPageIndices(config.Dir)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	w := &WAL{
		dir:            config.Dir,
		maxSizePerPage: config.MaxSizePerPage,
		lockFile:       lockFile,
	}

	if len(indices) == 0 {
		p, err := openPage(w.pagePath(0))
		if err != nil {
			lockFile.Close()
			return nil, err
		}
		w.pages = []*page{p}
		return w, nil
	}

	pages := make([]*page, len(indices))
	for i, idx := range indices {
		p, err := openPage(w.pagePath(idx))
		if err != nil {
			for _, opened := range pages[:i] {
				if opened != nil {
					opened.close()
				}
			}
			lockFile.Close()
			return nil, err
		}
		pages[i] = p
	}
	w.pages = pages
	return w, nil
}

func (w *WAL) pagePath(idx int) string {
	return filepath.Join(w.dir, pagePrefix+strconv.Itoa(idx))
}

func findPageIndices(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError(fmt.Errorf("read wal dir %q: %w", dir, err))
	}
	var indices []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), pagePrefix) {
			continue
		}
		suffix := strings.TrimPrefix(e.Name(), pagePrefix)
		idx, err := strconv.Atoi(suffix)
		if err != nil {
			continue // not one of ours: ignore foreign files
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// acquireLock takes a non-blocking exclusive flock on dir/.lock so a
// second process cannot open the same WAL directory concurrently.
func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, ioError(fmt.Errorf("open lock file %q: %w", path, err))
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, ioError(fmt.Errorf("flock wal dir %q: another process holds it: %w", dir, err))
	}
	return f, nil
}

// Write appends data to the current page, rolling onto a new page first
// if the current page's size plus len(data) would exceed MaxSizePerPage.
// A record large enough to overflow an empty page is still accepted —
// it simply becomes the sole (oversized) content of that page. Returns
// the (page index, offset) the record starts at.
func (w *WAL) Write(data []byte) (int, int64, error) {
	curr := w.pages[len(w.pages)-1]
	size, err := curr.size()
	if err != nil {
		return 0, 0, err
	}
	if size > 0 && size+int64(len(data)) > w.maxSizePerPage {
		next, err := openPage(w.pagePath(len(w.pages)))
		if err != nil {
			return 0, 0, err
		}
		w.pages = append(w.pages, next)
		curr = next
	}

	offset, err := curr.write(data)
	if err != nil {
		return 0, 0, err
	}
	return len(w.pages) - 1, offset, nil
}

// Read positions the read cursor on page at offset and attempts to fill
// buf, returning the number of bytes actually read (0 at EOF).
func (w *WAL) Read(page int, offset int64, buf []byte) (int, error) {
	if page < 0 || page >= len(w.pages) {
		return 0, &Error{Kind: KindPageIndexOutOfRange}
	}
	return w.pages[page].read(offset, buf)
}

// LastPage returns the number of pages currently in the WAL. Callers
// iterate page indices 0..LastPage()-1.
func (w *WAL) LastPage() int {
	return len(w.pages)
}

// CurrPageSize returns the on-disk size of the newest page.
func (w *WAL) CurrPageSize() (int64, error) {
	return w.pages[len(w.pages)-1].size()
}

// IsEmpty reports whether the WAL has exactly one page and it is empty.
func (w *WAL) IsEmpty() (bool, error) {
	if len(w.pages) != 1 {
		return false, nil
	}
	size, err := w.pages[0].size()
	if err != nil {
		return false, err
	}
	return size == 0, nil
}

// Close releases every open page and the directory lock. Safe to call
// once; the WAL must not be used afterward.
func (w *WAL) Close() error {
	var firstErr error
	for _, p := range w.pages {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = ioError(err)
	}
	return firstErr
}
