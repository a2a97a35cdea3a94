package wire

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// Protocol version carried by the cookie.
const (
	MajorVersion = 1
	MinorVersion = 1
)

// CookieSize is the size of the handshake cookie, padded to the alignment boundary.
const CookieSize = 24

const cookieMagic = "tether: ver. "

// ErrInvalidCookie is returned when the handshake preamble is not a tether cookie.
var ErrInvalidCookie = errors.New("invalid cookie")

// LogMode tells the peer which directions of traffic it is asked to record.
type LogMode uint8

// Log modes.
const (
	LogNone     LogMode = 0
	LogIncoming LogMode = 1
	LogOutgoing LogMode = 2
	LogBoth             = LogIncoming | LogOutgoing
)

// Cookie is the handshake preamble written by both sides after the stream is established.
type Cookie struct {
	Major   int
	Minor   int
	LogMode LogMode
}

// LocalCookie returns the cookie of this protocol version.
func LocalCookie(mode LogMode) Cookie {
	return Cookie{
		Major:   MajorVersion,
		Minor:   MinorVersion,
		LogMode: mode,
	}
}

// Encode encodes the cookie.
func (c Cookie) Encode() []byte {
	buf := make([]byte, CookieSize)
	copy(buf, fmt.Sprintf("%s%02d.%02d  %d", cookieMagic, c.Major, c.Minor, c.LogMode))
	return buf
}

// DecodeCookie decodes the cookie from the first CookieSize bytes of buf.
func DecodeCookie(buf []byte) (Cookie, error) {
	if len(buf) < CookieSize {
		return Cookie{}, errors.Wrapf(ErrIncompleteFrame, "cookie requires %d bytes, got %d", CookieSize, len(buf))
	}
	buf = buf[:CookieSize]
	if !bytes.HasPrefix(buf, []byte(cookieMagic)) {
		return Cookie{}, errors.Wrapf(ErrInvalidCookie, "unexpected magic %q", buf[:len(cookieMagic)])
	}

	v := buf[len(cookieMagic):]
	major, ok1 := twoDigits(v[0:2])
	minor, ok2 := twoDigits(v[3:5])
	if !ok1 || !ok2 || v[2] != '.' || v[5] != ' ' || v[6] != ' ' || v[7] < '0' || v[7] > '3' {
		return Cookie{}, errors.Wrapf(ErrInvalidCookie, "malformed version %q", v[:8])
	}
	for _, b := range v[8:] {
		if b != 0 {
			return Cookie{}, errors.Wrap(ErrInvalidCookie, "non-zero padding")
		}
	}

	return Cookie{
		Major:   major,
		Minor:   minor,
		LogMode: LogMode(v[7] - '0'),
	}, nil
}

func twoDigits(b []byte) (int, bool) {
	if b[0] < '0' || b[0] > '9' || b[1] < '0' || b[1] > '9' {
		return 0, false
	}
	return int(b[0]-'0')*10 + int(b[1]-'0'), true
}
