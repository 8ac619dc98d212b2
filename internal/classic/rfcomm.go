package classic

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
)

// Stream is a connected RFCOMM socket, wrapped as an *os.File so callers
// get the usual Read/Write/Close via net semantics without pulling in a
// bespoke socket type.
type Stream struct {
	*os.File
	fd int
}

// Close releases the underlying file descriptor exactly once.
func (s *Stream) Close() error {
	return s.File.Close()
}

// Open dials a raw RFCOMM socket to mac on the given channel, the stream
// primitive the OBEX profiles build on. Socket creation and connect go
// straight through golang.org/x/sys/unix since net.Dial has no
// AF_BLUETOOTH support.
func Open(ctx context.Context, metrics *reliability.Metrics, mac string, channel uint8) (*Stream, error) {
	addr, err := parseBDAddr(mac)
	if err != nil {
		return nil, err
	}

	var stream *Stream
	err = reliability.Guard(ctx, metrics, reliability.OpRFCOMMOpen, func(cctx context.Context) error {
		fd, sockErr := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
		if sockErr != nil {
			return bleeperr.Wrap(bleeperr.KindIpcUnavailable, "rfcomm socket", sockErr)
		}

		if dl, ok := cctx.Deadline(); ok {
			tv := unix.NsecToTimeval(dl.Sub(time.Now()).Nanoseconds())
			_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
			_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
		}

		sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: channel}
		if connErr := unix.Connect(fd, sa); connErr != nil {
			unix.Close(fd)
			return bleeperr.Wrap(bleeperr.KindDeviceUnreachable, "rfcomm connect "+mac, connErr)
		}

		stream = &Stream{File: os.NewFile(uintptr(fd), "rfcomm:"+mac), fd: fd}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// parseBDAddr converts "AA:BB:CC:DD:EE:FF" into the little-endian 6-byte
// form unix.SockaddrRFCOMM.Addr expects.
func parseBDAddr(mac string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return out, bleeperr.New(bleeperr.KindInvalidArgs, "bad mac "+mac)
	}
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseUint(parts[5-i], 16, 8)
		if err != nil {
			return out, bleeperr.Wrap(bleeperr.KindInvalidArgs, "bad mac "+mac, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}
