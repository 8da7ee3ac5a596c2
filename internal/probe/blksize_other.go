//go:build !linux && !darwin

package probe

import "github.com/tftpd-go/tftpd/internal/codec"

// MaxBlksize falls back to the RFC 1350 default on platforms where the
// kernel probe's raw-socket syscalls are unavailable.
func MaxBlksize() int {
	return codec.BlockSize
}
