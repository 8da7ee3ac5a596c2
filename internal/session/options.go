package session

import (
	"strconv"

	"github.com/tftpd-go/tftpd/internal/codec"
	"github.com/tftpd-go/tftpd/internal/probe"
)

// negotiated holds the outcome of option negotiation for one session.
type negotiated struct {
	blksize int
	oack    codec.Options
}

// negotiateOptions applies RFC 2348 blksize and RFC 2349 tsize negotiation
// to the options map received in an RRQ/WRQ. tsize's value, if requested,
// is left as a placeholder ("0") for the caller to overwrite once it knows
// the real size (downloads only; uploads echo 0 unresolved).
func negotiateOptions(client codec.Options) negotiated {
	acked := codec.Options{}
	blksize := codec.BlockSize
	osMax := probe.MaxBlksize()

	if val, ok := client["blksize"]; ok {
		if requested, err := strconv.Atoi(val); err == nil && requested >= 8 && requested <= codec.MaxBlksize {
			blksize = requested
			if blksize > osMax {
				blksize = osMax
			}
			acked["blksize"] = strconv.Itoa(blksize)
		}
	}

	if _, ok := client["tsize"]; ok {
		acked["tsize"] = "0"
	}

	return negotiated{blksize: blksize, oack: acked}
}
