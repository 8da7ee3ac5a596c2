//go:build linux || darwin

// Package probe discovers, once per process, the largest UDP payload the
// host kernel will hand to a single sendto(2) call. Some kernels reject
// oversized datagrams synchronously with EMSGSIZE/ENOBUFS; discovering the
// cap here avoids per-session failures when a client negotiates a large
// blksize.
package probe

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tftpd-go/tftpd/internal/codec"
)

// candidateSizes is the descending sequence of datagram sizes (TFTP header
// included) tried against the loopback discard port.
var candidateSizes = []int{codec.MaxBlksize + 4, 32768, 16384, 9216, 8192, 4096, 1024, 516}

const sendBufferSize = 256 * 1024

var (
	once   sync.Once
	cached int
)

// MaxBlksize returns the maximum blksize this process may negotiate, probed
// lazily on first call and cached for the remainder of the process
// lifetime.
func MaxBlksize() int {
	once.Do(func() {
		cached = detect()
	})
	return cached
}

func detect() int {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return codec.BlockSize
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufferSize); err != nil {
		// Non-fatal: the OS default buffer may still be large enough for
		// the probe sends below.
		_ = err
	}

	loopback := unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, &loopback); err != nil {
		return codec.BlockSize
	}

	// Port 9 is the standard discard service; the kernel validates
	// datagram size synchronously before the send ever leaves the host.
	dest := unix.SockaddrInet4{Port: 9, Addr: [4]byte{127, 0, 0, 1}}

	buf := make([]byte, candidateSizes[0])
	for _, size := range candidateSizes {
		err := unix.Sendto(fd, buf[:size], 0, &dest)
		if err == nil {
			return size - 4
		}
		if err == unix.EMSGSIZE || err == unix.ENOBUFS {
			continue
		}
		// Any other error (e.g. ECONNREFUSED) means the kernel accepted
		// the datagram size; delivery just failed for unrelated reasons.
		return size - 4
	}
	return codec.BlockSize
}
