package packet

import "github.com/sigurn/crc16"

// CRC-16/ARC: poly 0x8005 reflected, init 0, no final xor. Both ends of a
// transfer must agree on this table.
var arcTable = crc16.MakeTable(crc16.CRC16_ARC)

// Checksum returns the 16-bit CRC of payload.
func Checksum(payload []byte) uint16 {
	return crc16.Checksum(payload, arcTable)
}
