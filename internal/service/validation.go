package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"storyfill-server/internal/models"
	"storyfill-server/internal/templates"
)

// Тексты ошибок валидации ввода игроков.
const (
	msgEmptyResponse    = "Please add a response before submitting."
	msgUnreadableChars  = "That response includes characters we can't read yet. Use letters, numbers, and common punctuation only, and remove emoji or control characters."
	msgResponseTooShort = "That response is too short. Please add a little more detail."
	msgInvalidNameChars = "Display name contains invalid characters."
)

// ValidateDisplayName обрезает пробелы и проверяет имя игрока.
// Пустое имя допустимо: вернется "", и игрок получит имя по умолчанию.
func ValidateDisplayName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}
	if utf8.RuneCountInString(trimmed) > models.MaxDisplayNameLength {
		return "", &models.ValidationError{
			Message: fmt.Sprintf("Display name must be %d characters or fewer.", models.MaxDisplayNameLength),
		}
	}
	for _, r := range trimmed {
		if r < 32 || (r > 126 && r < 160) {
			return "", &models.ValidationError{Message: msgInvalidNameChars}
		}
	}
	return trimmed, nil
}

// promptFormatError проверяет ответ на промпт без модерации:
// непустой, только печатный ASCII, длина в границах типа слота.
func promptFormatError(value, slotType string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return &models.ValidationError{Message: msgEmptyResponse}
	}
	for i := 0; i < len(trimmed); i++ {
		if c := trimmed[i]; c < 32 || c > 126 {
			return &models.ValidationError{Message: msgUnreadableChars}
		}
	}
	minLen, maxLen := templates.SlotLimits(strings.ToLower(slotType))
	if len(trimmed) < minLen {
		return &models.ValidationError{Message: msgResponseTooShort}
	}
	if len(trimmed) > maxLen {
		return &models.ValidationError{
			Message: fmt.Sprintf("That response is too long. Please keep it under %d characters.", maxLen),
		}
	}
	return nil
}
