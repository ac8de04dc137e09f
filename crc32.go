// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

import "hash/crc32"

// ZRTP packets end with a CRC-32C (Castagnoli polynomial, as in RFC 4960)
// computed over the whole packet excluding the CRC word itself.

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func packetCRC(p []byte) uint32 {
	return crc32.Checksum(p, crcTable)
}
