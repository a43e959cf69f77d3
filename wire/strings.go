// SPDX-License-Identifier: GPL-2.0-only

package wire

import "bytes"

// putFixedString copies s into dst, NUL-padding (or truncating) to len(dst).
func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// fixedString trims a NUL-padded fixed-size field at the first NUL.
func fixedString(src []byte) string {
	if idx := bytes.IndexByte(src, 0); idx >= 0 {
		return string(src[:idx])
	}
	return string(src)
}
