package tether

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/tether/wire"
)

// FileConnection replays a log through the same surface as live connection. Messages are
// dispatched when virtual file time, advancing at the replay rate, reaches their timestamps.
type FileConnection struct {
	*core

	log     *zap.Logger
	config  FileConfig
	metrics *Metrics
	now     func() time.Time
	sleep   func(time.Duration)

	reader     *logReader
	path       string
	logSenders *translationTable
	logTypes   *translationTable

	// entries holds loaded entries, without accumulation only the ones not played yet.
	entries []*logEntry
	cursor  int
	eof     bool

	start   time.Time
	length  time.Duration
	scanned bool

	rate    float64
	fileRef time.Time
	wallRef time.Time

	started bool
	closed  bool

	// err is the corruption which ended loading, reported when playback reaches it.
	err error
}

// OpenFile opens log for replay.
func OpenFile(ctx context.Context, path string, config FileConfig) (*FileConnection, error) {
	return openFile(ctx, path, config, time.Now, time.Sleep)
}

func openFile(
	ctx context.Context,
	path string,
	config FileConfig,
	now func() time.Time,
	sleep func(time.Duration),
) (*FileConnection, error) {
	if config.Rate < 0 {
		return nil, errors.Errorf("replay rate must not be negative, got %f", config.Rate)
	}

	reader, err := openLog(path)
	if err != nil {
		return nil, err
	}

	c := &FileConnection{
		core:       newCore(),
		log:        logger.Get(ctx).With(zap.String("file", path)),
		config:     config,
		metrics:    config.Metrics,
		now:        now,
		sleep:      sleep,
		reader:     reader,
		path:       path,
		logSenders: newTranslationTable(),
		logTypes:   newTranslationTable(),
		rate:       config.Rate,
	}

	if config.Preload {
		c.preload()
	}
	if err := c.findStart(); err != nil {
		_ = reader.Close()
		return nil, err
	}
	if err := c.Reset(); err != nil {
		_ = reader.Close()
		return nil, err
	}

	c.log.Info("Log opened",
		zap.Int("major", reader.cookie.Major),
		zap.Int("minor", reader.cookie.Minor),
		zap.Time("start", c.start))
	return c, nil
}

// RegisterSender registers sender locally.
func (c *FileConnection) RegisterSender(name string) (SenderID, error) {
	if c.closed {
		return 0, errors.WithStack(ErrClosed)
	}
	id, _ := c.senders.Register(name)
	return SenderID(id), nil
}

// RegisterMessageType registers message type locally.
func (c *FileConnection) RegisterMessageType(name string) (TypeID, error) {
	if c.closed {
		return 0, errors.WithStack(ErrClosed)
	}
	id, _ := c.types.Register(name)
	return TypeID(id), nil
}

// PackMessage validates ids and discards the message, replayed session has no peers.
func (c *FileConnection) PackMessage(
	_ time.Time,
	typ TypeID,
	sender SenderID,
	_ []byte,
	_ ClassOfService,
) error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}
	return c.validate(typ, sender)
}

// Connected returns true until the connection is closed.
func (c *FileConnection) Connected() bool {
	return !c.closed
}

// Mainloop dispatches entries due at current virtual time. If nothing is due it waits for the
// next entry, but not longer than timeout. Once playback reaches a corrupted frame every call
// returns ErrLogCorruption until the replay is reset.
func (c *FileConnection) Mainloop(timeout time.Duration) error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}

	if !c.started {
		c.started = true
		if err := c.notify(c.gotFirstConnection); err != nil {
			return err
		}
		if err := c.notify(c.gotConnection); err != nil {
			return err
		}
	}

	played, err := c.playTo(c.FileTime())
	if err != nil || played > 0 || timeout <= 0 {
		return err
	}

	wait := timeout
	if c.rate > 0 {
		next, err := c.peek()
		if err != nil {
			return err
		}
		if next != nil {
			wait = min(wait, time.Duration(float64(next.Time().Sub(c.FileTime()))/c.rate))
		}
	}
	if wait > 0 {
		c.sleep(wait)
	}

	_, err = c.playTo(c.FileTime())
	return err
}

// SetReplayRate changes the pace of virtual time. Zero pauses the replay.
func (c *FileConnection) SetReplayRate(rate float64) error {
	if rate < 0 {
		return errors.Errorf("replay rate must not be negative, got %f", rate)
	}
	c.setPosition(c.FileTime())
	c.rate = rate
	return nil
}

// Rate returns the replay rate.
func (c *FileConnection) Rate() float64 {
	return c.rate
}

// Reset rewinds the replay to the beginning.
func (c *FileConnection) Reset() error {
	if err := c.rewind(); err != nil {
		return err
	}
	if c.config.SkipToFirstUserMessage {
		if err := c.skipSystem(); err != nil {
			return err
		}
	}
	c.setPosition(c.start)
	return nil
}

// PlayToFileTime dispatches every entry with timestamp not after t.
func (c *FileConnection) PlayToFileTime(t time.Time) error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}
	if _, err := c.playTo(t); err != nil {
		return err
	}
	if t.After(c.FileTime()) {
		c.setPosition(t)
	}
	return nil
}

// PlayToElapsed dispatches every entry up to d after the start of the log.
func (c *FileConnection) PlayToElapsed(d time.Duration) error {
	return c.PlayToFileTime(c.start.Add(d))
}

// JumpToFileTime moves replay to t without dispatching skipped entries. Next dispatched entry is
// the first one with timestamp not before t.
func (c *FileConnection) JumpToFileTime(t time.Time) error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}
	if t.Before(c.FileTime()) {
		if err := c.rewind(); err != nil {
			return err
		}
	}

	for {
		e, err := c.peek()
		if err != nil {
			return err
		}
		if e == nil || !e.Time().Before(t) {
			break
		}
		if e.header.IsSystem() {
			c.apply(e)
		}
		c.advance()
	}

	c.setPosition(t)
	return nil
}

// JumpToElapsed moves replay to d after the start of the log.
func (c *FileConnection) JumpToElapsed(d time.Duration) error {
	return c.JumpToFileTime(c.start.Add(d))
}

// EOF returns true when all entries have been played.
func (c *FileConnection) EOF() bool {
	if c.cursor < len(c.entries) {
		return false
	}
	if !c.eof {
		if _, err := c.peek(); err != nil {
			return true
		}
	}
	return c.eof && c.cursor >= len(c.entries)
}

// StartTime returns the timestamp replay starts at.
func (c *FileConnection) StartTime() time.Time {
	return c.start
}

// FileTime returns current virtual time.
func (c *FileConnection) FileTime() time.Time {
	if c.rate == 0 {
		return c.fileRef
	}
	return c.fileRef.Add(time.Duration(float64(c.now().Sub(c.wallRef)) * c.rate))
}

// ElapsedTime returns virtual time elapsed since the start of the log.
func (c *FileConnection) ElapsedTime() time.Duration {
	return c.FileTime().Sub(c.start)
}

// Length returns the time span between start and the last entry of the log. Corrupted tail is
// not counted.
func (c *FileConnection) Length() (time.Duration, error) {
	if c.scanned {
		return c.length, nil
	}

	reader, err := openLog(c.path)
	if err != nil {
		return 0, err
	}

	var last time.Time
	for {
		e, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		last = e.Time()
	}
	if err := reader.Close(); err != nil {
		return 0, err
	}

	c.scanned = true
	if last.After(c.start) {
		c.length = last.Sub(c.start)
	}
	return c.length, nil
}

// Close closes the log.
func (c *FileConnection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = nil
	return c.reader.Close()
}

func (c *FileConnection) setPosition(t time.Time) {
	c.fileRef = t
	c.wallRef = c.now()
}

// preload reads entries up to the end of the log or up to the first corrupted frame.
func (c *FileConnection) preload() {
	for c.err == nil && !c.eof {
		c.load()
	}
}

// load reads next entry from the file.
func (c *FileConnection) load() {
	e, err := c.reader.Next()
	switch {
	case errors.Is(err, io.EOF):
		c.eof = true
	case err != nil:
		c.err = err
		c.log.Error("Log corrupted, replay halts there", zap.Int("validEntries", len(c.entries)), zap.Error(err))
	default:
		c.entries = append(c.entries, e)
	}
}

func (c *FileConnection) findStart() error {
	for i := 0; ; i++ {
		e, err := c.peekAt(i)
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if i == 0 {
			c.start = e.Time()
		}
		if !c.config.SkipToFirstUserMessage || !e.header.IsSystem() {
			c.start = e.Time()
			return nil
		}
	}
}

// peek returns next entry to play or nil at the end of the log.
func (c *FileConnection) peek() (*logEntry, error) {
	return c.peekAt(0)
}

func (c *FileConnection) peekAt(i int) (*logEntry, error) {
	for c.cursor+i >= len(c.entries) {
		switch {
		case c.err != nil:
			return nil, c.err
		case c.eof:
			return nil, nil
		}
		c.load()
	}
	return c.entries[c.cursor+i], nil
}

func (c *FileConnection) advance() {
	if c.config.Accumulate {
		c.cursor++
		return
	}
	c.entries[0] = nil
	c.entries = c.entries[1:]
}

func (c *FileConnection) rewind() error {
	if c.config.Accumulate {
		c.cursor = 0
		return nil
	}

	if err := c.reader.Rewind(); err != nil {
		return err
	}
	c.entries = nil
	c.cursor = 0
	c.eof = false
	c.err = nil
	if c.config.Preload {
		c.preload()
	}
	return nil
}

func (c *FileConnection) skipSystem() error {
	for {
		e, err := c.peek()
		if err != nil {
			return err
		}
		if e == nil || !e.header.IsSystem() {
			return nil
		}
		c.apply(e)
		c.advance()
	}
}

func (c *FileConnection) playTo(t time.Time) (int, error) {
	var played int
	for {
		e, err := c.peek()
		if err != nil {
			return played, err
		}
		if e == nil || e.Time().After(t) {
			return played, nil
		}
		c.advance()

		if e.header.IsSystem() {
			c.apply(e)
			continue
		}

		typ, typeKnown := c.logTypes.Local(e.header.Type)
		sender, senderKnown := c.logSenders.Local(e.header.Sender)
		if !typeKnown || !senderKnown {
			c.log.Warn("Entry dropped", zap.Error(errors.Wrapf(ErrUnknownRemoteID, "type %d, sender %d",
				e.header.Type, e.header.Sender)))
			continue
		}

		played++
		c.metrics.replayedMessage()
		if err := c.dispatcher.Dispatch(Message{
			Type:    TypeID(typ),
			Sender:  SenderID(sender),
			Time:    e.Time(),
			Payload: e.payload,
		}); err != nil {
			return played, err
		}
	}
}

// apply processes system entry. Only descriptions matter for replay.
func (c *FileConnection) apply(e *logEntry) {
	switch e.header.Type {
	case wire.TypeSenderDescription, wire.TypeTypeDescription:
		desc, err := wire.Unmarshal[wire.Description](e.payload)
		if err != nil {
			c.log.Warn("Malformed description skipped", zap.Error(err))
			return
		}
		if e.header.Type == wire.TypeSenderDescription {
			local, _ := c.senders.Register(desc.Name)
			c.logSenders.Map(e.header.Sender, desc.Name, local)
			return
		}
		local, _ := c.types.Register(desc.Name)
		c.logTypes.Map(e.header.Sender, desc.Name, local)
	}
}
