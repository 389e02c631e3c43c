package psi

// CRC32 computes the MPEG-2 CRC32 (polynomial 0x04C11DB7, as used by every
// DVB/MPEG PSI section) over data. Grounded on the same table-driven
// implementation the teacher uses for its own CRC32 in mpegts/crc32.go.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// VerifyCRC32 reports whether the trailing 4 bytes of data are a valid
// MPEG-2 CRC32 over the preceding bytes: computing CRC32 over the whole
// section (including the trailing CRC) yields zero for a valid section.
func VerifyCRC32(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return CRC32(data) == 0
}

// AppendCRC32 appends the big-endian CRC32 of data (not including the
// appended bytes) and returns the extended slice. Used by the rebuilder
// when constructing new sections.
func AppendCRC32(data []byte) []byte {
	crc := CRC32(data)
	return append(data,
		byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}
