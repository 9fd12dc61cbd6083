package report

import (
	"strconv"

	"github.com/dustin/go-humanize"
)

// FormatSize renders a byte count with binary units, e.g. "4.0 KiB".
func FormatSize(size uint64) string {
	return humanize.IBytes(size)
}

// FormatNumber renders large counts with an SI suffix; counts up to 1000 are
// printed as is.
func FormatNumber(n uint64) string {
	if n <= 1000 {
		return strconv.FormatUint(n, 10)
	}
	return humanize.SIWithDigits(float64(n), 2, "")
}
