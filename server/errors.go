// SPDX-License-Identifier: GPL-2.0-only

package server

import "github.com/efficientgo/core/errors"

func errUnrecognizedCommand(command uint32) error {
	return errors.Newf("unrecognized URB command 0x%08x", command)
}

func errInvalidEndpoint(ep uint32) error {
	return errors.Newf("invalid endpoint %d", ep)
}

func errBufferTooLarge(length int32) error {
	return errors.Newf("transfer_buffer_length %d exceeds configured cap", length)
}
