package main

import (
	"fmt"
	"os"
	"sync"
)

// tunDevice wraps an already-configured TUN character device file,
// satisfying router.Tunnel. It never creates, names, or configures an
// interface — that is explicitly external to this core (spec.md's
// Non-goals) — it only reads and writes raw IP datagrams on a path the
// caller has prepared in advance.
type tunDevice struct {
	f *os.File

	writeMu sync.Mutex
}

// openTunDevice opens path for simultaneous read/write, assuming the
// kernel has already been configured to hand the process raw IPv4
// datagrams with no additional framing.
func openTunDevice(path string) (*tunDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open tunnel device %s: %w", path, err)
	}
	return &tunDevice{f: f}, nil
}

func (t *tunDevice) ReadPacket(buf []byte) (int, error) {
	return t.f.Read(buf)
}

// WritePacket serializes concurrent writers, matching the spec's
// requirement that the tunnel write side never interleaves two
// datagrams (spec §5).
func (t *tunDevice) WritePacket(pkt []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.f.Write(pkt)
	return err
}

func (t *tunDevice) Close() error {
	return t.f.Close()
}
