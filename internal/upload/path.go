package upload

import (
	"fmt"
	"time"
	"unicode/utf16"
)

// pathPrefix is the CJK character U+555C the device expects at the
// start of the synthesized device-side filename (spec §8 scenario 4).
const pathPrefix = rune(0x555C)

// devicePathName builds the human-readable synthesized filename (without
// the UTF-16 wire encoding), for display/clipboard purposes.
func devicePathName(kind MediaKind, at time.Time) string {
	return fmt.Sprintf("%c%s%s", pathPrefix, at.Format("20060102150405"), kind.extension())
}

// pathResponseBody builds the FILE_COMPLETE reply body: status 0x00,
// the device's echoed sequence byte, the UTF-16LE encoding of
// U+555C + YYYYMMDDHHMMSS + extension, and a UTF-16 NUL terminator.
func pathResponseBody(deviceSeq byte, kind MediaKind, at time.Time) ([]byte, error) {
	name := devicePathName(kind, at)

	units := utf16.Encode([]rune(name))
	body := make([]byte, 0, 2+2*len(units)+2)
	body = append(body, 0x00, deviceSeq)
	for _, u := range units {
		body = append(body, byte(u), byte(u>>8))
	}
	body = append(body, 0x00, 0x00)
	return body, nil
}
