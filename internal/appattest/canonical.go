package appattest

import (
	"fmt"
	"sort"
)

// CanonicalJSON serializes a string map exactly the way Swift's default
// JSONEncoder does on the device: keys sorted ascending, no insignificant
// whitespace, and the forward slash escaped as `\/`. The assertion
// signature covers these bytes, so any deviation breaks every client;
// do not substitute encoding/json here (it escapes <, > and & instead).
func CanonicalJSON(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendJSONString(buf, k)
		buf = append(buf, ':')
		buf = appendJSONString(buf, m[k])
	}
	buf = append(buf, '}')
	return buf
}

func appendJSONString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, b := range []byte(s) {
		switch b {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '/':
			buf = append(buf, '\\', '/')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if b < 0x20 {
				buf = append(buf, fmt.Sprintf("\\u%04x", b)...)
			} else {
				buf = append(buf, b)
			}
		}
	}
	return append(buf, '"')
}
