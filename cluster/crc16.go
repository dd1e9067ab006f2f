package cluster

import "strings"

const numSlots = 16384

// crc16 computes the CRC16-CCITT-XMODEM checksum (polynomial 0x1021,
// initial value 0x0000) of data, per spec.md §4.8 slot derivation.
func crc16(data []byte) uint16 {
	crc := uint16(0)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// keyToSlot extracts the hash-tagged region of key, if present, and
// returns its slot in [0, numSlots).
func keyToSlot(key string) int {
	tagged := key
	if start := strings.IndexByte(key, '{'); start >= 0 {
		if end := strings.IndexByte(key[start+1:], '}'); end >= 0 && end > 0 {
			tagged = key[start+1 : start+1+end]
		}
	}
	return int(crc16([]byte(tagged)) % numSlots)
}
