package bus

import (
	"strings"

	"pillcloud/internal/validate"
)

// Виды subject'ов: <base>.<identity>.<kind>.
const (
	KindHeartbeat = "heartbeat"
	KindEvent     = "event"
	KindAck       = "ack"
	KindCommand   = "cmd"
)

// ACL — права устройства на subject'ы (NATS) и топики (MQTT, через '/').
type ACL struct {
	Base string
}

func (a ACL) Subject(identity, kind string) string {
	return a.Base + "." + identity + "." + kind
}

// split разбирает subject в (identity, kind). Для чужого префикса ok=false.
func (a ACL) split(subject string) (identity, kind string, ok bool) {
	s := strings.ReplaceAll(strings.TrimSpace(subject), "/", ".")
	base := strings.ReplaceAll(a.Base, "/", ".")
	rest, found := strings.CutPrefix(s, base+".")
	if !found {
		return "", "", false
	}
	identity, kind, found = strings.Cut(rest, ".")
	if !found || identity == "" || strings.Contains(kind, ".") {
		return "", "", false
	}
	return identity, kind, true
}

// Allowed — subject лежит в пространстве этого устройства и имеет известный вид.
func (a ACL) Allowed(identity, subject string) bool {
	_, ok := a.owned(identity, subject)
	return ok
}

// Authorize — публикует устройство только heartbeat/event/ack, подписывается только на cmd.
func (a ACL) Authorize(identity, subject, action string) bool {
	kind, ok := a.owned(identity, subject)
	if !ok {
		return false
	}
	switch strings.ToLower(action) {
	case "publish", "pub":
		return kind == KindHeartbeat || kind == KindEvent || kind == KindAck
	case "subscribe", "sub":
		return kind == KindCommand
	}
	return false
}

func (a ACL) owned(identity, subject string) (string, bool) {
	want, err := validate.Identity(identity)
	if err != nil {
		return "", false
	}
	got, kind, ok := a.split(subject)
	if !ok {
		return "", false
	}
	got, err = validate.Identity(got)
	if err != nil || got != want {
		return "", false
	}
	switch kind {
	case KindHeartbeat, KindEvent, KindAck, KindCommand:
		return kind, true
	}
	return "", false
}
