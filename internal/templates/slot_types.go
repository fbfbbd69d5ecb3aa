package templates

import (
	"regexp"
	"strings"
)

// SlotType описывает ограничения на значение слота.
type SlotType struct {
	Name         string `json:"name"`
	Label        string `json:"label"`
	MinLength    int    `json:"min_length"`
	MaxLength    int    `json:"max_length"`
	QuoteInStory bool   `json:"quote_in_story"`
}

var slotTypeRegistry = map[string]SlotType{
	"adjective":   {Name: "adjective", Label: "An adjective", MinLength: 1, MaxLength: 24},
	"name":        {Name: "name", Label: "A person", MinLength: 1, MaxLength: 40},
	"verb":        {Name: "verb", Label: "A verb ending in -ing", MinLength: 1, MaxLength: 30},
	"place":       {Name: "place", Label: "A place", MinLength: 1, MaxLength: 40},
	"sound":       {Name: "sound", Label: "A silly sound", MinLength: 1, MaxLength: 24, QuoteInStory: true},
	"noun":        {Name: "noun", Label: "A noun", MinLength: 1, MaxLength: 40},
	"food":        {Name: "food", Label: "A type of food", MinLength: 1, MaxLength: 40},
	"animal":      {Name: "animal", Label: "An animal", MinLength: 1, MaxLength: 40},
	"body_part":   {Name: "body_part", Label: "A body part", MinLength: 1, MaxLength: 40},
	"liquid":      {Name: "liquid", Label: "A type of liquid", MinLength: 1, MaxLength: 40},
	"clothing":    {Name: "clothing", Label: "An article of clothing", MinLength: 1, MaxLength: 40},
	"number":      {Name: "number", Label: "A large number", MinLength: 1, MaxLength: 20},
	"color":       {Name: "color", Label: "A color", MinLength: 1, MaxLength: 24},
	"plural_noun": {Name: "plural_noun", Label: "A plural noun", MinLength: 1, MaxLength: 40},
}

// DefaultSlotType применяется к неизвестным типам.
var DefaultSlotType = SlotType{Name: "unknown", Label: "A word or phrase", MinLength: 1, MaxLength: 60}

// GetSlotType returns the registered type or DefaultSlotType.
func GetSlotType(name string) SlotType {
	if st, ok := slotTypeRegistry[name]; ok {
		return st
	}
	return DefaultSlotType
}

// SlotLimits returns (min, max) length for the slot type.
func SlotLimits(name string) (int, int) {
	st := GetSlotType(name)
	return st.MinLength, st.MaxLength
}

var (
	placeholderRe = regexp.MustCompile(`\{(\w+)\}`)
	suffixRe      = regexp.MustCompile(`^(.+)_(\d+)$`)
)

// ExtractPlaceholders возвращает уникальные имена {placeholder} в порядке появления.
func ExtractPlaceholders(story string) []string {
	seen := make(map[string]struct{})
	result := make([]string, 0)
	for _, m := range placeholderRe.FindAllStringSubmatch(story, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		result = append(result, m[1])
	}
	return result
}

// InferTypeFromPlaceholder: "noun_2" -> "noun", если базовый тип известен.
// Иначе имя плейсхолдера возвращается как есть.
func InferTypeFromPlaceholder(placeholder string) string {
	if m := suffixRe.FindStringSubmatch(placeholder); m != nil {
		if _, ok := slotTypeRegistry[m[1]]; ok {
			return m[1]
		}
	}
	return placeholder
}

// CustomSlot переопределяет тип и подпись конкретного плейсхолдера.
type CustomSlot struct {
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// ResolveSlots строит список слотов из плейсхолдеров истории.
func ResolveSlots(story string, custom map[string]CustomSlot) []Slot {
	placeholders := ExtractPlaceholders(story)
	slots := make([]Slot, 0, len(placeholders))
	for _, ph := range placeholders {
		if cs, ok := custom[ph]; ok {
			label := strings.TrimSpace(cs.Label)
			if label == "" {
				label = GetSlotType(cs.Type).Label
			}
			slots = append(slots, Slot{ID: ph, Label: label, Type: cs.Type})
			continue
		}
		typ := InferTypeFromPlaceholder(ph)
		slots = append(slots, Slot{ID: ph, Label: GetSlotType(typ).Label, Type: typ})
	}
	return slots
}
