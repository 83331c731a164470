//go:build linux

package notifier

import (
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/brettbedarf/mtpstore"
	"github.com/brettbedarf/mtpstore/internal/util"
)

// watchMask covers every event class the storage reconciler consumes.
const watchMask = unix.IN_MOVE | unix.IN_CREATE | unix.IN_DELETE | unix.IN_CLOSE_WRITE

// Inotify delivers raw kernel file-change notifications, keeping the
// watch descriptor and rename cookie intact — the storage's move
// reconciliation depends on both.
type Inotify struct {
	fd        int
	events    chan mtpstore.FSEvent
	log       util.Logger
	closeOnce sync.Once
	closeErr  error
}

// New opens an inotify instance and starts the reader.
func New() (*Inotify, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, err
	}
	n := &Inotify{
		fd:     fd,
		events: make(chan mtpstore.FSEvent, 256),
		log:    util.GetLogger("notifier"),
	}
	go n.readLoop()
	return n, nil
}

// AddWatch subscribes a directory and returns its watch descriptor.
func (n *Inotify) AddWatch(path string) (int32, error) {
	wd, err := unix.InotifyAddWatch(n.fd, path, watchMask)
	if err != nil {
		return -1, err
	}
	return int32(wd), nil
}

// RemoveWatch drops a subscription.
func (n *Inotify) RemoveWatch(wd int32) error {
	_, err := unix.InotifyRmWatch(n.fd, uint32(wd))
	return err
}

// Events returns the delivery channel. It is closed after Close once
// the reader drains.
func (n *Inotify) Events() <-chan mtpstore.FSEvent {
	return n.events
}

// Close closes the inotify descriptor. The reader exits and closes the
// event channel once its pending read returns; a read already blocked
// in the kernel is not interrupted by Close.
func (n *Inotify) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = unix.Close(n.fd)
	})
	return n.closeErr
}

func (n *Inotify) readLoop() {
	defer close(n.events)

	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	for {
		count, err := unix.Read(n.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || count <= 0 {
			return
		}

		offset := 0
		for offset+unix.SizeofInotifyEvent <= count {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			name := ""
			if raw.Len > 0 {
				nameBytes := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+int(raw.Len)]
				name = strings.TrimRight(string(nameBytes), "\x00")
			}
			n.events <- mtpstore.FSEvent{
				Watch:  raw.Wd,
				Cookie: raw.Cookie,
				Mask:   raw.Mask,
				Name:   name,
			}
			offset += unix.SizeofInotifyEvent + int(raw.Len)
		}
	}
}
