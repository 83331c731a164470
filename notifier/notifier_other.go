//go:build !linux

package notifier

import (
	"errors"

	"github.com/brettbedarf/mtpstore"
)

// Inotify is only available on Linux.
type Inotify struct{}

// New reports that no notifier backend exists on this platform. The
// storage runs without one; external filesystem changes then go
// unreconciled until the next enumeration.
func New() (*Inotify, error) {
	return nil, errors.New("notifier: no inotify on this platform")
}

func (*Inotify) AddWatch(string) (int32, error) { return -1, errors.New("notifier: unsupported") }
func (*Inotify) RemoveWatch(int32) error        { return errors.New("notifier: unsupported") }
func (*Inotify) Events() <-chan mtpstore.FSEvent { return nil }
func (*Inotify) Close() error                    { return nil }
