package framelog

import (
	"fmt"
	"strings"
)

const hexdumpCols = 16

// Hexdump formats b as offset, hex bytes and printable ASCII, 16 bytes per
// line:
//
//	0x000000: D3 00 13 3E D0 00 03 ...  ...>...
func Hexdump(b []byte) string {
	var sb strings.Builder
	for off := 0; off < len(b); off += hexdumpCols {
		end := off + hexdumpCols
		if end > len(b) {
			end = len(b)
		}
		row := b[off:end]

		fmt.Fprintf(&sb, "0x%06X: ", off)
		for i := 0; i < hexdumpCols; i++ {
			if i < len(row) {
				fmt.Fprintf(&sb, "%02X ", row[i])
			} else {
				sb.WriteString("   ")
			}
		}
		for _, c := range row {
			if c >= 0x20 && c < 0x7F {
				sb.WriteByte(c)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
