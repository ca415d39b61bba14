//go:build cgo

package device

// Registers the netlib BLAS implementation so Mul dispatches SGEMM to the
// system library (Accelerate on macOS, OpenBLAS on Linux).

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Str("blas", "netlib").Msg("CGO BLAS acceleration enabled")
}
