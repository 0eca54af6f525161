package filestore

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrLogWriteFailed = errors.New("log write failed")
	ErrLogReadFailed  = errors.New("log read failed")
	ErrLogCorrupt     = errors.New("log corrupt")
	ErrStorageFailed  = errors.New("storage error")
)

type PersistenceStrategy string

const (
	Async PersistenceStrategy = "async"
	Sync  PersistenceStrategy = "sync"
)

// persistence is the append-only command log behind the index.
type persistence struct {
	mu       sync.Mutex
	strategy PersistenceStrategy
	f        *os.File
	cursor   int64
	flushes  int
}

func newPersistence(path string, strategy PersistenceStrategy, truncate bool) (*persistence, error) {
	mode := os.O_CREATE | os.O_RDWR
	if truncate {
		mode |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, mode, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open log %s", path)
	}

	return &persistence{f: f, strategy: strategy}, nil
}

// load replays the log. A torn command at the tail is cut off and reported
// through the returned byte count; any other damage fails the load.
func (p *persistence) load(cb func(cmd *command) error) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stat, err := p.f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "could not collect file %s stats", p.f.Name())
	}

	if _, err := p.f.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrapf(ErrStorageFailed, "could not rewind %s: %s", p.f.Name(), err.Error())
	}

	prs := &respParser{}
	n, err := prs.parse(bufio.NewReader(p.f), cb)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}

	var cut int64
	if err != nil {
		cut = stat.Size() - int64(n)
		if tErr := p.f.Truncate(int64(n)); tErr != nil {
			return 0, errors.Wrapf(tErr, "could not truncate file after parse error")
		}
	}

	p.cursor = int64(n)

	return cut, nil
}

// append writes whatever fill serializes at the end of the log. On a failed
// or partial write the file is truncated back so the log stays parseable.
func (p *persistence) append(fill func(rs *respSerializer)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rs := respSerializer{base: p.cursor}
	fill(&rs)

	return p.writeUnderLock(&rs)
}

func (p *persistence) writeUnderLock(rs *respSerializer) error {
	n, err := p.f.WriteAt(rs.buf.Bytes(), p.cursor)
	if err != nil {
		if n > 0 {
			if tErr := p.f.Truncate(p.cursor); tErr != nil {
				return errors.Wrapf(ErrStorageFailed, "could not truncate file %s after partial write: %s", p.f.Name(), tErr.Error())
			}
		}

		_ = p.f.Sync()
		return errors.Wrap(ErrLogWriteFailed, err.Error())
	}

	if p.strategy == Sync {
		if err := p.f.Sync(); err != nil {
			return errors.Wrap(ErrLogWriteFailed, err.Error())
		}
	}

	p.flushes++
	p.cursor += int64(n)
	return nil
}

// readAt needs no lock of its own: callers hold the engine lock, which
// keeps writeAndSwap from replacing the file underneath.
func (p *persistence) readAt(pos position) ([]byte, error) {
	doc := make([]byte, pos.size)
	if _, err := p.f.ReadAt(doc, int64(pos.offset)); err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "could not read %d bytes at %d of %s: %s",
			pos.size, pos.offset, p.f.Name(), err.Error())
	}
	return doc, nil
}

func (p *persistence) sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Wrapf(p.f.Sync(), "could not flush log %s", p.f.Name())
}

func (p *persistence) size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// writeAndSwap replaces the log with the compacted content of rs. The new
// log is written next to the old one and renamed over it.
func (p *persistence) writeAndSwap(rs *respSerializer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logPath := p.f.Name()
	compactPath := logPath + ".compact"

	compacted, err := os.Create(compactPath)
	if err != nil {
		return errors.Wrapf(err, "vacuum could not create %s", compactPath)
	}
	defer func() {
		_ = compacted.Close()
		_ = os.Remove(compactPath)
	}()

	written, err := compacted.Write(rs.buf.Bytes())
	if err == nil {
		err = compacted.Sync()
	}
	if err != nil {
		return errors.Wrapf(err, "vacuum could not write %s", compactPath)
	}

	if err := p.f.Close(); err != nil {
		return errors.Wrapf(err, "vacuum could not release %s", logPath)
	}

	swapErr := os.Rename(compactPath, logPath)
	if reopenErr := p.reopen(logPath); reopenErr != nil {
		if swapErr != nil {
			return errors.Wrapf(swapErr, "vacuum could not swap %s and could not reopen it: %s", logPath, reopenErr.Error())
		}
		return reopenErr
	}

	if swapErr != nil {
		return errors.Wrapf(swapErr, "vacuum could not swap %s", logPath)
	}

	p.cursor = int64(written)
	return nil
}

func (p *persistence) reopen(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return errors.Wrapf(err, "could not reopen %s", path)
	}
	p.f = f
	return nil
}

func (p *persistence) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	syncErr := p.f.Sync()
	closeErr := p.f.Close()
	if syncErr != nil {
		return errors.Wrapf(syncErr, "could not flush log %s", p.f.Name())
	}
	return errors.Wrapf(closeErr, "could not close log %s", p.f.Name())
}
