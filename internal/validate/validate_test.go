package validate_test

import (
	"testing"

	"pillcloud/internal/apperr"
	"pillcloud/internal/validate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	ok := map[string]string{
		"AA:BB:CC:DD:EE:FF":   "aa:bb:cc:dd:ee:ff",
		" aa-bb-cc-dd-ee-01 ": "aa:bb:cc:dd:ee:01",
		"Pilly-Kitchen":       "pilly-kitchen",
		"esp32_0042":          "esp32_0042",
	}
	for in, want := range ok {
		got, err := validate.Identity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "aa:bb:cc:dd:ee", "zz:bb:cc:dd:ee:ff", "aa:bb-cc:dd:ee:ff:00", "a", "pilly.dev.x", "dev>*"} {
		_, err := validate.Identity(in)
		assert.True(t, apperr.Is(err, apperr.BadRequest), in)
	}
}

func TestVersion(t *testing.T) {
	v, err := validate.Version(" 1.2.3 ")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)

	for _, in := range []string{"", "..", "1.0/../../etc", "1.0 beta"} {
		_, err := validate.Version(in)
		assert.Error(t, err, in)
	}
}

func TestScheduleFields(t *testing.T) {
	_, err := validate.Compartment(5)
	assert.NoError(t, err)
	_, err = validate.Compartment(6)
	assert.True(t, apperr.Is(err, apperr.BadRequest))
	_, err = validate.Compartment(-1)
	assert.Error(t, err)

	hm, err := validate.ClockTime("8:30")
	require.NoError(t, err)
	assert.Equal(t, "08:30", hm)
	_, err = validate.ClockTime("24:00")
	assert.Error(t, err)

	_, err = validate.Weekday(7)
	assert.Error(t, err)
}

func TestLEDAndWiFi(t *testing.T) {
	c, err := validate.HexColor("FF8800")
	require.NoError(t, err)
	assert.Equal(t, "#ff8800", c)
	_, err = validate.HexColor("#ff88")
	assert.Error(t, err)

	_, err = validate.Brightness(101)
	assert.Error(t, err)

	_, err = validate.WiFiPSK("short")
	assert.Error(t, err)
	psk, err := validate.WiFiPSK("")
	require.NoError(t, err)
	assert.Empty(t, psk)
}

func TestIPv4AndLimit(t *testing.T) {
	ip, err := validate.IPv4("192.168.1.20")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", ip)
	_, err = validate.IPv4("fe80::1")
	assert.Error(t, err)

	n, err := validate.Limit("", 50, 500)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	n, err = validate.Limit("9000", 50, 500)
	require.NoError(t, err)
	assert.Equal(t, 500, n)
	_, err = validate.Limit("-3", 50, 500)
	assert.Error(t, err)
}
