// Package validate — нормализация и проверка входных полей от устройств и оператора.
// Каждая функция возвращает нормализованное значение или BadRequest.
package validate

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"pillcloud/internal/apperr"
)

// Диапазон отсеков дозатора.
const (
	MinCompartment = 0
	MaxCompartment = 5
)

var (
	reMAC      = regexp.MustCompile(`^[0-9a-f]{2}([:-])[0-9a-f]{2}(?:[:-][0-9a-f]{2}){4}$`)
	reDeviceID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)
	reVersion  = regexp.MustCompile(`^[0-9A-Za-z._-]{1,64}$`)
	reClock    = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)
	reHexColor = regexp.MustCompile(`^#?[0-9a-fA-F]{6}$`)
)

func bad(format string, args ...any) error {
	return apperr.New(apperr.BadRequest, format, args...)
}

// Identity — MAC (aa:bb:cc:dd:ee:ff, разделители : или -) или device-id.
// Результат в нижнем регистре, MAC всегда через двоеточие.
func Identity(v string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return "", bad("device_id is required")
	}
	if strings.ContainsAny(s, ":") || (len(s) == 17 && strings.Count(s, "-") == 5) {
		if !reMAC.MatchString(s) {
			return "", bad("malformed mac address %q", v)
		}
		return strings.ReplaceAll(s, "-", ":"), nil
	}
	if !reDeviceID.MatchString(s) {
		return "", bad("malformed device id %q", v)
	}
	return s, nil
}

// IPv4 — пустое значение допустимо (поле телеметрии необязательное).
func IPv4(v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", nil
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return "", bad("invalid ipv4 %q", v)
	}
	return ip.To4().String(), nil
}

// Version — строка версии прошивки, она же часть имени файла.
func Version(v string) (string, error) {
	s := strings.TrimSpace(v)
	if !reVersion.MatchString(s) || s == "." || s == ".." {
		return "", bad("invalid firmware version %q", v)
	}
	return s, nil
}

func Compartment(n int) (int, error) {
	if n < MinCompartment || n > MaxCompartment {
		return 0, bad("compartment out of range [%d..%d]", MinCompartment, MaxCompartment)
	}
	return n, nil
}

// ClockTime — HH:MM, 24 часа.
func ClockTime(v string) (string, error) {
	s := strings.TrimSpace(v)
	if len(s) == 4 && s[1] == ':' {
		s = "0" + s
	}
	if !reClock.MatchString(s) {
		return "", bad("invalid time %q (HH:MM)", v)
	}
	return s, nil
}

// Weekday — 0 (воскресенье) .. 6.
func Weekday(n int) (int, error) {
	if n < 0 || n > 6 {
		return 0, bad("weekday out of range [0..6]")
	}
	return n, nil
}

// HexColor — #rrggbb в нижнем регистре.
func HexColor(v string) (string, error) {
	s := strings.TrimSpace(v)
	if !reHexColor.MatchString(s) {
		return "", bad("invalid color %q (#rrggbb)", v)
	}
	return "#" + strings.ToLower(strings.TrimPrefix(s, "#")), nil
}

func Brightness(n int) (int, error) {
	if n < 0 || n > 100 {
		return 0, bad("brightness out of range [0..100]")
	}
	return n, nil
}

func SSID(v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" || len(s) > 32 {
		return "", bad("ssid must be 1..32 bytes")
	}
	return s, nil
}

// WiFiPSK — пустой пароль означает открытую сеть.
func WiFiPSK(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	if l := len(v); l < 8 || l > 63 {
		return "", bad("wifi password must be 8..63 chars")
	}
	return v, nil
}

// Limit — параметр ?limit= для списков.
func Limit(v string, def, max int) (int, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, bad("invalid limit %q", v)
	}
	if n > max {
		n = max
	}
	return n, nil
}
