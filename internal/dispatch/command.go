package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"pillcloud/internal/apperr"
	"pillcloud/internal/validate"

	"gorm.io/datatypes"
)

// Виды действий на проводе.
const (
	KindReboot       = "reboot"
	KindWifiSet      = "wifi_set"
	KindOTAStart     = "ota_start"
	KindGeneric      = "generic"
	KindScheduleSync = "schedule_sync"
)

// Command — действие для устройства. Реализации: Reboot, WifiSet, OTAStart, Generic, ScheduleSync.
// В базе хранится как (kind, payload JSON); разбор только в Encode/Decode.
type Command interface {
	Kind() string
}

type Reboot struct{}

type WifiSet struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

type OTAStart struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
}

// Generic — произвольная команда прошивки (led_set, buzzer, ...).
type Generic struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ScheduleSync не хранится в очереди, его выводит диспетчер из rev.
type ScheduleSync struct {
	Rev   int64  `json:"rev"`
	Slots []Slot `json:"slots"`
}

func (Reboot) Kind() string       { return KindReboot }
func (WifiSet) Kind() string      { return KindWifiSet }
func (OTAStart) Kind() string     { return KindOTAStart }
func (Generic) Kind() string      { return KindGeneric }
func (ScheduleSync) Kind() string { return KindScheduleSync }

// Action — ответ NextAction. Command == nil значит «ничего».
type Action struct {
	CommandID uint // 0 для выведенных действий (schedule_sync, ota_start по флоту)
	Command   Command
}

func (a Action) None() bool { return a.Command == nil }

// Wire — форма команды в ответе heartbeat: {id?, kind, payload}.
type Wire struct {
	ID      *uint   `json:"id,omitempty"`
	Kind    string  `json:"kind"`
	Payload Command `json:"payload"`
}

// Wire возвращает nil для пустого действия (на проводе это null).
func (a Action) Wire() *Wire {
	if a.Command == nil {
		return nil
	}
	w := &Wire{Kind: a.Command.Kind(), Payload: a.Command}
	if a.CommandID != 0 {
		id := a.CommandID
		w.ID = &id
	}
	return w
}

// Validate нормализует поля команды перед постановкой в очередь.
func Validate(c Command) (Command, error) {
	switch v := c.(type) {
	case Reboot:
		return v, nil
	case WifiSet:
		ssid, err := validate.SSID(v.SSID)
		if err != nil {
			return nil, err
		}
		psk, err := validate.WiFiPSK(v.Password)
		if err != nil {
			return nil, err
		}
		return WifiSet{SSID: ssid, Password: psk}, nil
	case OTAStart:
		ver, err := validate.Version(v.Version)
		if err != nil {
			return nil, err
		}
		if v.URL == "" || len(v.SHA256) != 64 || v.Size <= 0 {
			return nil, apperr.New(apperr.BadRequest, "ota_start requires url, sha256 and size")
		}
		v.Version = ver
		v.SHA256 = strings.ToLower(v.SHA256)
		return v, nil
	case Generic:
		name := strings.TrimSpace(v.Name)
		if name == "" || len(name) > 32 {
			return nil, apperr.New(apperr.BadRequest, "generic command name must be 1..32 chars")
		}
		if len(v.Payload) > 0 && !json.Valid(v.Payload) {
			return nil, apperr.New(apperr.BadRequest, "generic command payload must be valid json")
		}
		return Generic{Name: name, Payload: v.Payload}, nil
	case ScheduleSync:
		return nil, apperr.New(apperr.BadRequest, "schedule_sync is derived from the schedule, use the schedule endpoint")
	case nil:
		return nil, apperr.New(apperr.BadRequest, "command is required")
	default:
		return nil, apperr.New(apperr.BadRequest, "unsupported command %T", c)
	}
}

// Encode — в колонки (kind, payload).
func Encode(c Command) (string, datatypes.JSON, error) {
	if c == nil {
		return "", nil, fmt.Errorf("encode: nil command")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", c.Kind(), err)
	}
	return c.Kind(), datatypes.JSON(b), nil
}

// Decode — обратно из колонок.
func Decode(kind string, payload datatypes.JSON) (Command, error) {
	raw := []byte(payload)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		c   Command
		err error
	)
	switch kind {
	case KindReboot:
		c = Reboot{}
	case KindWifiSet:
		var v WifiSet
		err = json.Unmarshal(raw, &v)
		c = v
	case KindOTAStart:
		var v OTAStart
		err = json.Unmarshal(raw, &v)
		c = v
	case KindGeneric:
		var v Generic
		err = json.Unmarshal(raw, &v)
		c = v
	default:
		return nil, fmt.Errorf("decode: unknown command kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return c, nil
}

// Request — команда в JSON-запросе оператора: {"kind": "...", "payload": {...}}.
type Request struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Parse — запрос оператора в Command (ещё без Validate).
func (r Request) Parse() (Command, error) {
	kind := strings.ToLower(strings.TrimSpace(r.Kind))
	if kind == KindScheduleSync {
		return ScheduleSync{}, nil
	}
	c, err := Decode(kind, datatypes.JSON(r.Payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, err, "invalid command")
	}
	return c, nil
}

// LEDSet — команда подсветки отсека, уходит как generic "led_set".
type LEDSet struct {
	Compartment int    `json:"compartment"`
	Color       string `json:"color"`
	Brightness  int    `json:"brightness"`
}

func (l LEDSet) Command() (Command, error) {
	comp, err := validate.Compartment(l.Compartment)
	if err != nil {
		return nil, err
	}
	color, err := validate.HexColor(l.Color)
	if err != nil {
		return nil, err
	}
	br, err := validate.Brightness(l.Brightness)
	if err != nil {
		return nil, err
	}
	b, _ := json.Marshal(LEDSet{Compartment: comp, Color: color, Brightness: br})
	return Generic{Name: "led_set", Payload: b}, nil
}

// redacted — копия команды для показа в списках (без паролей).
func redacted(c Command) Command {
	if w, ok := c.(WifiSet); ok && w.Password != "" {
		w.Password = "********"
		return w
	}
	return c
}
