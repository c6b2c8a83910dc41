// Package vmutil provides alignment, padding, and CRC-32 helpers shared by
// the qvm toolkit, including CRC-32 forging.
package vmutil

import (
	"hash/crc32"

	"github.com/pkg/errors"
)

// Align rounds n up to the next multiple of alignment.
func Align(n, alignment int) int {
	return n + (alignment-n%alignment)%alignment
}

// Pad appends fill bytes to data until its length is a multiple of alignment.
// The input slice is not modified.
func Pad(data []byte, alignment int, fill byte) []byte {
	padded := make([]byte, Align(len(data), alignment))
	copy(padded, data)
	if fill != 0 {
		for i := len(data); i < len(padded); i++ {
			padded[i] = fill
		}
	}
	return padded
}

// CRC32 returns the standard (zlib) CRC-32 checksum of data.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ForgeCRC32 overwrites data[offset:offset+4] so that CRC32(data) == target.
//
// The forward CRC of everything before offset is written first, resetting the
// register, then the register value required to reach target is recovered by
// running the CRC state machine backwards over data[offset:].
//
// For details see Reversing CRC - Theory and Practice.
// https://sar.informatik.hu-berlin.de/research/publications/SAR-PR-2006-05/SAR-PR-2006-05_.pdf
func ForgeCRC32(data []byte, offset int, target uint32) error {
	if offset < 0 || offset+4 > len(data) {
		return errors.Errorf("forge offset %d out of range for %d bytes", offset, len(data))
	}
	putUint32(data[offset:], CRC32(data[:offset])^0xFFFFFFFF)
	putUint32(data[offset:], crc32Reverse(data[offset:], target))
	return nil
}

// crc32Reverse returns the state the crc register would need to be in just
// before processing data in order to produce the desired checksum.
func crc32Reverse(data []byte, crc uint32) uint32 {
	reg := crc ^ 0xFFFFFFFF
	for i := len(data) - 1; i >= 0; i-- {
		reg = (reg << 8) ^ crc32ReverseTable[reg>>24] ^ uint32(data[i])
	}
	return reg
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// crc32ReverseTable is indexed by the top byte of the reversed register.
var crc32ReverseTable = genCRC32ReverseTable()

func genCRC32ReverseTable() [256]uint32 {
	var table [256]uint32
	for i := range table {
		reg := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if reg&(1<<31) != 0 {
				reg = ((reg ^ 0xEDB88320) << 1) | 1
			} else {
				reg <<= 1
			}
		}
		table[i] = reg
	}
	return table
}
