package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"pillcloud/internal/apperr"
	"pillcloud/internal/validate"

	"gorm.io/datatypes"
)

// MaxSlots — ограничение на размер расписания одного дозатора.
const MaxSlots = 64

// Slot — один приём: отсек, время HH:MM, дни недели (пусто: каждый день).
type Slot struct {
	Compartment int    `json:"compartment"`
	Time        string `json:"time"`
	Days        []int  `json:"days,omitempty"`
	Pills       int    `json:"pills,omitempty"`
	Label       string `json:"label,omitempty"`
}

// NormalizeSlots проверяет и упорядочивает слоты по (time, compartment).
func NormalizeSlots(in []Slot) ([]Slot, error) {
	if len(in) > MaxSlots {
		return nil, apperr.New(apperr.BadRequest, "too many slots (max %d)", MaxSlots)
	}
	out := make([]Slot, 0, len(in))
	for i, s := range in {
		comp, err := validate.Compartment(s.Compartment)
		if err != nil {
			return nil, slotErr(i, err)
		}
		hm, err := validate.ClockTime(s.Time)
		if err != nil {
			return nil, slotErr(i, err)
		}
		days := make([]int, 0, len(s.Days))
		seen := map[int]bool{}
		for _, d := range s.Days {
			if _, err := validate.Weekday(d); err != nil {
				return nil, slotErr(i, err)
			}
			if !seen[d] {
				seen[d] = true
				days = append(days, d)
			}
		}
		sort.Ints(days)
		if s.Pills < 0 || s.Pills > 10 {
			return nil, slotErr(i, apperr.New(apperr.BadRequest, "pills out of range [0..10]"))
		}
		out = append(out, Slot{
			Compartment: comp,
			Time:        hm,
			Days:        days,
			Pills:       s.Pills,
			Label:       strings.TrimSpace(s.Label),
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Time != out[b].Time {
			return out[a].Time < out[b].Time
		}
		return out[a].Compartment < out[b].Compartment
	})
	return out, nil
}

func slotErr(i int, err error) error {
	return apperr.New(apperr.BadRequest, "slot %d: %s", i, apperr.Message(err))
}

func encodeSlots(slots []Slot) (datatypes.JSON, error) {
	if slots == nil {
		slots = []Slot{}
	}
	b, err := json.Marshal(slots)
	if err != nil {
		return nil, fmt.Errorf("encode slots: %w", err)
	}
	return datatypes.JSON(b), nil
}

func decodeSlots(payload datatypes.JSON) ([]Slot, error) {
	slots := []Slot{}
	if len(payload) == 0 {
		return slots, nil
	}
	if err := json.Unmarshal(payload, &slots); err != nil {
		return nil, fmt.Errorf("decode slots: %w", err)
	}
	return slots, nil
}
