package storage

import (
	"strconv"
	"strings"
)

// NormalizeKey renders a key value the way the engine's caches spell it, so a
// snapshot read back from any backend matches keys computed from the sheet
// ("7896004703398", "A2B1", "43.940.618/0001-44").
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return strings.TrimSpace(fmtAny(v))
	}
}
