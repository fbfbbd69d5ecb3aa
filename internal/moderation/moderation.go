// Package moderation - простой семейный фильтр лексики без внешних зависимостей.
package moderation

import (
	"regexp"
	"sort"
	"strings"
)

// BlockedMessage - текст отказа, который видит пользователь.
const BlockedMessage = "That response includes language we can't accept. Please try a different word or phrase."

// Только строчные ASCII.
var blockedTerms = []string{
	"porn", "porno", "pussy", "dick", "cock", "penis", "vagina", "boob", "boobs",
	"tits", "tit", "cum", "sex", "sexy", "horny", "rape",
	"nazi", "hitler",
	"terrorist",
	"fuck", "fucking", "shit", "bitch", "cunt", "asshole", "bastard", "motherfucker",
}

var leetMap = map[rune]rune{
	'@': 'a', '$': 's', '0': 'o', '1': 'i', '3': 'e', '4': 'a',
	'5': 's', '7': 't', '8': 'b', '9': 'g', '!': 'i', '+': 't',
}

// Для каждого термина: буквы через \s*, с границами слова. Покрывает
// и целое слово, и "f u c k" после нормализации разделителей.
var termPatterns = compileTerms(blockedTerms)

func compileTerms(terms []string) []*regexp.Regexp {
	sorted := append([]string(nil), terms...)
	sort.Strings(sorted)
	patterns := make([]*regexp.Regexp, 0, len(sorted))
	for _, term := range sorted {
		letters := make([]string, 0, len(term))
		for _, r := range term {
			letters = append(letters, regexp.QuoteMeta(string(r)))
		}
		patterns = append(patterns, regexp.MustCompile(`\b`+strings.Join(letters, `\s*`)+`\b`))
	}
	return patterns
}

// Normalize приводит текст к виду для сопоставления: нижний регистр, leet-замены,
// пунктуация в пробелы, серии из 3+ одинаковых символов сжимаются до двух.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if mapped, ok := leetMap[r]; ok {
			r = mapped
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			// пробелы любого вида и пунктуация -> ' '
			b.WriteByte(' ')
		}
	}
	return collapseRepeats(b.String())
}

func collapseRepeats(s string) string {
	runes := []rune(s)
	out := make([]rune, 0, len(runes))
	run := 0
	for i, r := range runes {
		if i > 0 && r == runes[i-1] {
			run++
		} else {
			run = 1
		}
		if run <= 2 {
			out = append(out, r)
		}
	}
	return string(out)
}

// BlockReason возвращает сообщение для пользователя, если текст содержит
// запрещенную лексику. Пустой текст всегда проходит.
func BlockReason(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	normalized := Normalize(text)
	for _, re := range termPatterns {
		if re.MatchString(normalized) {
			return BlockedMessage, true
		}
	}
	return "", false
}
