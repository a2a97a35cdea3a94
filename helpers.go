package tether

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	filePrefix   = "file:"
	schemePrefix = "tether://"
)

// Location is the parsed form of a device name like "Tracker0@host:port" or "Tracker0@file:path".
type Location struct {
	// Device is the part before '@', empty if name has none.
	Device string

	// Address is the dial address with port, empty for files.
	Address string

	// File is the log path, empty for live connections.
	File string
}

// Key identifies the connection serving the location.
func (l Location) Key() string {
	if l.File != "" {
		return filePrefix + l.File
	}
	return l.Address
}

// ParseName parses device name. Missing port defaults to DefaultPort.
func ParseName(name string) (Location, error) {
	var loc Location

	if i := strings.Index(name, "@"); i >= 0 {
		loc.Device = name[:i]
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, schemePrefix)

	if path, ok := strings.CutPrefix(name, filePrefix); ok {
		path = strings.TrimPrefix(path, "//")
		if path == "" {
			return Location{}, errors.New("file path is empty")
		}
		loc.File = path
		return loc, nil
	}

	if name == "" {
		return Location{}, errors.New("host is empty")
	}

	host, port, err := net.SplitHostPort(name)
	if err != nil {
		host, port = strings.Trim(name, "[]"), strconv.Itoa(DefaultPort)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return Location{}, errors.Errorf("invalid port %q", port)
	}
	loc.Address = net.JoinHostPort(host, port)
	return loc, nil
}
