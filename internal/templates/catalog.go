// Package templates содержит встроенный каталог шаблонов историй и типы слотов.
package templates

import (
	"strings"

	"storyfill-server/internal/models"
)

// Slot - одна подстановка {id} в тексте шаблона.
type Slot struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Summary - публичное описание шаблона для списка.
type Summary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Genre         string `json:"genre"`
	ContentRating string `json:"content_rating"`
}

// Definition - полный шаблон: слоты и текст с плейсхолдерами.
type Definition struct {
	Summary
	Slots []Slot `json:"slots"`
	Story string `json:"story"`
}

// BaseSlots - набор слотов, общий для всех встроенных шаблонов.
var BaseSlots = []Slot{
	{ID: "adjective", Label: "An adjective", Type: "adjective"},
	{ID: "name", Label: "A famous name", Type: "name"},
	{ID: "verb", Label: "A verb ending in -ing", Type: "verb"},
	{ID: "place", Label: "A place", Type: "place"},
	{ID: "sound", Label: "A silly sound", Type: "sound"},
	{ID: "noun", Label: "A plural noun", Type: "noun"},
}

// DefaultTemplateID - шаблон по умолчанию, первый в каталоге.
const DefaultTemplateID = "t-forest-mishap"

func family(id, title, genre, story string) Definition {
	return Definition{
		Summary: Summary{ID: id, Title: title, Genre: genre, ContentRating: "family"},
		Slots:   BaseSlots,
		Story:   story,
	}
}

// Порядок важен: первый элемент - шаблон по умолчанию.
var builtin = []Definition{
	family(DefaultTemplateID, "The Forest Mishap", "Adventure",
		"On a {adjective} morning, {name} was {verb} through the {place} when a {sound} startled a {noun}. "+
			"Everyone laughed, then asked for an encore."),
	family("t-space-diner", "Midnight at the Space Diner", "Sci-Fi",
		"At the {place} space diner, {name} kept {verb} until a {adjective} {noun} burst in with a {sound}. "+
			"The crowd cheered and ordered dessert."),
	family("t-castle-caper", "The Castle Caper", "Fantasy",
		"Inside the {adjective} castle, {name} was caught {verb} past the {place} when a {sound} spooked the {noun}. "+
			"A royal encore was demanded."),
	family("t-museum-heist", "The Curious Museum Heist", "Mystery",
		"During a {adjective} tour of the {place}, {name} was {verb} when a {sound} echoed over the {noun}. "+
			"The guide insisted on an encore."),
	family("t-wild-west", "Sundown in the Wild West", "Western",
		"At the {place} saloon, {name} was {verb} when a {sound} scared a {adjective} herd of {noun}. "+
			"The town roared for a repeat."),
	family("t-ocean-odyssey", "The Ocean Odyssey", "Adventure",
		"On the {adjective} deck of the {place}, {name} was {verb} when a {sound} startled the {noun}. "+
			"The crew begged for an encore."),
}

// Catalog - неизменяемый каталог шаблонов, безопасен для конкурентного чтения.
type Catalog struct {
	ordered []Definition
	byID    map[string]Definition
}

// NewCatalog builds a catalog from definitions; nil means the built-in set.
func NewCatalog(defs []Definition) *Catalog {
	if defs == nil {
		defs = builtin
	}
	c := &Catalog{
		ordered: make([]Definition, 0, len(defs)),
		byID:    make(map[string]Definition, len(defs)),
	}
	for _, d := range defs {
		if _, dup := c.byID[d.ID]; dup {
			continue
		}
		c.ordered = append(c.ordered, d)
		c.byID[d.ID] = d
	}
	return c
}

// Get ищет шаблон по id. Пустой id не найден.
func (c *Catalog) Get(id string) (Definition, bool) {
	if id == "" {
		return Definition{}, false
	}
	d, ok := c.byID[id]
	return d, ok
}

// Default возвращает первый шаблон каталога.
func (c *Catalog) Default() Definition {
	return c.ordered[0]
}

// Resolve returns the template or the default one when id is unknown.
func (c *Catalog) Resolve(id string) Definition {
	if d, ok := c.Get(id); ok {
		return d
	}
	return c.Default()
}

// Summaries lists templates in catalog order.
func (c *Catalog) Summaries() []Summary {
	out := make([]Summary, 0, len(c.ordered))
	for _, d := range c.ordered {
		out = append(out, d.Summary)
	}
	return out
}

// Render подставляет значения в текст шаблона. Отсутствующие слоты
// заполняются "something"; значения типов с QuoteInStory берутся в кавычки.
func Render(def Definition, values map[string]string) string {
	rendered := def.Story
	for _, slot := range def.Slots {
		value, ok := values[slot.ID]
		if !ok {
			value = models.DefaultMissingSlotText
		}
		if GetSlotType(slot.Type).QuoteInStory && value != "" && !isQuoted(value) {
			value = `"` + value + `"`
		}
		rendered = strings.ReplaceAll(rendered, "{"+slot.ID+"}", value)
	}
	return rendered
}

func isQuoted(s string) bool {
	return strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`)
}

// ValuesBySlot собирает первое непустое значение для каждого slot_id.
func ValuesBySlot(prompts []models.PromptAssignment) map[string]string {
	values := make(map[string]string)
	for _, p := range prompts {
		if p.Value == nil || *p.Value == "" {
			continue
		}
		if _, ok := values[p.SlotID]; !ok {
			values[p.SlotID] = strings.TrimSpace(*p.Value)
		}
	}
	return values
}
