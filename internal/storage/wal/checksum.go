package wal

// ============================================================================
// Checksum
// Responsibility: CRC32 checksum of the fields that identify an event
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum computes the CRC32-IEEE checksum of an event.
//
// Covered fields: Seq, Type, ProcessID, WorkOrderNo, WorkCount.
// Timestamp is left out.
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(event.Type))
	b.WriteByte('|')
	b.WriteString(string(event.ProcessID))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(event.WorkOrderNo))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(event.WorkCount))

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether the stored checksum matches the event.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
