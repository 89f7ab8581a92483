package firmware

import (
	"strconv"
	"strings"
)

// parseVersion — "1.2.3" → [1 2 3]. Любой нечисловой или пустой сегмент — ok=false.
func parseVersion(v string) ([]int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, false
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		if p == "" {
			return nil, false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return nil, false
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// Newer — candidate строго новее current. Кортежи сравниваются лексикографически
// без дополнения нулями: "1.2.0" новее "1.2", а "1.2" не новее "1.2.0.1".
// Если хотя бы одна строка не разбирается, ответ false.
func Newer(candidate, current string) bool {
	a, ok := parseVersion(candidate)
	if !ok {
		return false
	}
	b, ok := parseVersion(current)
	if !ok {
		return false
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return len(a) > len(b)
}
