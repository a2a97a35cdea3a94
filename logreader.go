package tether

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/tether/wire"
)

type logEntry struct {
	header  wire.Header
	payload []byte
}

func (e *logEntry) Time() time.Time {
	return e.header.Time()
}

// logReader reads frames of a log sequentially.
type logReader struct {
	file   *os.File
	r      *bufio.Reader
	cookie wire.Cookie
	header [wire.HeaderSize]byte
}

func openLog(path string) (*logReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	lr := &logReader{
		file: f,
		r:    bufio.NewReaderSize(f, 64*1024),
	}

	cookie := make([]byte, wire.CookieSize)
	if _, err := io.ReadFull(lr.r, cookie); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrLogCorruption, "reading cookie of %s: %s", path, err)
	}
	lr.cookie, err = wire.DecodeCookie(cookie)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrLogCorruption, "cookie of %s: %s", path, err)
	}
	if lr.cookie.Major != wire.MajorVersion {
		_ = f.Close()
		return nil, errors.Wrapf(ErrHandshakeMismatch, "log %s has version %d.%d", path, lr.cookie.Major,
			lr.cookie.Minor)
	}

	return lr, nil
}

// Next returns next entry. io.EOF is returned at the clean end of the log.
func (lr *logReader) Next() (*logEntry, error) {
	if _, err := io.ReadFull(lr.r, lr.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(ErrLogCorruption, "truncated header: %s", err)
	}

	e := &logEntry{}
	if err := e.header.Decode(lr.header[:]); err != nil {
		return nil, errors.Wrapf(ErrLogCorruption, "header: %s", err)
	}

	body := make([]byte, wire.Padded(int(e.header.Length)))
	if _, err := io.ReadFull(lr.r, body); err != nil {
		return nil, errors.Wrapf(ErrLogCorruption, "truncated payload: %s", err)
	}
	e.payload = body[:e.header.Length]

	return e, nil
}

// Rewind positions the reader at the first frame.
func (lr *logReader) Rewind() error {
	if _, err := lr.file.Seek(wire.CookieSize, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	lr.r.Reset(lr.file)
	return nil
}

func (lr *logReader) Close() error {
	return errors.WithStack(lr.file.Close())
}
