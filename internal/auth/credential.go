package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// DeviceKeyBytes — длина ключа устройства (в hex вдвое длиннее).
const DeviceKeyBytes = 24

// NewDeviceKey — случайный API-ключ и его хэш для хранения.
// Сам ключ отдаётся устройству один раз, в базе только хэш.
func NewDeviceKey() (key, hash string, err error) {
	buf := make([]byte, DeviceKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate device key: %w", err)
	}
	key = hex.EncodeToString(buf)
	return key, HashDeviceKey(key), nil
}

func HashDeviceKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CheckDeviceKey — сравнение за постоянное время.
func CheckDeviceKey(key, storedHash string) bool {
	if key == "" || storedHash == "" {
		return false
	}
	got := HashDeviceKey(key)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

// EqualSecret — сравнение общих секретов (enroll key, broker hook secret).
func EqualSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
