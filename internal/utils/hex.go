package utils

const hexDigits = "0123456789ABCDEF"

// Hex4 formats a uint16 as four upper-case hex digits, e.g. company ids in logs.
func Hex4(v uint16) string {
	return string([]byte{
		hexDigits[(v>>12)&0xF],
		hexDigits[(v>>8)&0xF],
		hexDigits[(v>>4)&0xF],
		hexDigits[v&0xF],
	})
}

// BytesToHex renders b as contiguous upper-case hex.
func BytesToHex(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexDigits[x>>4], hexDigits[x&0x0F])
	}
	return string(out)
}

// HexToBytes parses hex text as captured by scanning tools: separators and any
// other non-hex characters are skipped, an optional 0x prefix is ignored, and a
// dangling final nibble is dropped.
func HexToBytes(s string) []byte {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	out := make([]byte, 0, len(s)/2)
	var (
		hi   byte
		half bool
	)
	for i := 0; i < len(s); i++ {
		v, ok := nibble(s[i])
		if !ok {
			continue
		}
		if !half {
			hi = v
			half = true
			continue
		}
		out = append(out, hi<<4|v)
		half = false
	}
	return out
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
