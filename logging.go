package tether

import (
	"bufio"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/tether/wire"
)

// LogRecord is one user message stored in a log.
type LogRecord struct {
	Type    string
	Sender  string
	Time    time.Time
	Payload []byte
}

// LogWriter records messages in the wire format. The file starts with the cookie and every
// sender or type is described by a system frame before its first use, so the log is
// self-contained regardless of the ids used by the connections which produced the traffic.
type LogWriter struct {
	file    *os.File
	w       *bufio.Writer
	senders *nameTable
	types   *nameTable
	seq     uint32
	buf     []byte
}

// CreateLog creates log file at path, truncating existing one.
func CreateLog(path string) (*LogWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	lw := &LogWriter{
		file:    f,
		w:       bufio.NewWriterSize(f, 64*1024),
		senders: newNameTable(),
		types:   newNameTable(),
	}
	if _, err := lw.w.Write(wire.LocalCookie(wire.LogNone).Encode()); err != nil {
		_ = f.Close()
		return nil, errors.WithStack(err)
	}
	return lw, nil
}

// Path returns the path of the log file.
func (lw *LogWriter) Path() string {
	return lw.file.Name()
}

// Write appends record to the log.
func (lw *LogWriter) Write(rec LogRecord) error {
	senderID, err := lw.describe(lw.senders, wire.TypeSenderDescription, rec.Sender, rec.Time)
	if err != nil {
		return err
	}
	typeID, err := lw.describe(lw.types, wire.TypeTypeDescription, rec.Type, rec.Time)
	if err != nil {
		return err
	}

	return lw.writeFrame(wire.Header{
		Type:   typeID,
		Sender: senderID,
	}, rec.Time, rec.Payload)
}

// Flush writes buffered frames to the file.
func (lw *LogWriter) Flush() error {
	return errors.WithStack(lw.w.Flush())
}

// Close flushes and closes the log.
func (lw *LogWriter) Close() error {
	if err := lw.Flush(); err != nil {
		_ = lw.file.Close()
		return err
	}
	return errors.WithStack(lw.file.Close())
}

func (lw *LogWriter) describe(t *nameTable, typ int32, name string, ts time.Time) (int32, error) {
	id, created := t.Register(name)
	if !created {
		return id, nil
	}

	payload, err := wire.Marshal(&wire.Description{Name: name})
	if err != nil {
		return 0, err
	}
	if err := lw.writeFrame(wire.Header{
		Type:   typ,
		Sender: id,
	}, ts, payload); err != nil {
		return 0, err
	}
	return id, nil
}

func (lw *LogWriter) writeFrame(h wire.Header, ts time.Time, payload []byte) error {
	lw.seq++
	h.Sequence = lw.seq
	h.SetTime(ts)

	lw.buf = wire.AppendFrame(lw.buf[:0], h, payload)
	_, err := lw.w.Write(lw.buf)
	return errors.WithStack(err)
}
