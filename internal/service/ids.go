package service

import (
	"crypto/rand"
	"fmt"
	"strings"

	"storyfill-server/internal/models"

	"github.com/google/uuid"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newID возвращает идентификатор вида "<prefix>_<12 hex>".
func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// newRoomCode генерирует код комнаты из RoomCodeLength символов A-Z0-9.
func newRoomCode() (string, error) {
	buf := make([]byte, models.RoomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate room code: %w", err)
	}
	for i, b := range buf {
		buf[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(buf), nil
}

// newShareToken - непредсказуемый токен публичной ссылки (32 hex).
func newShareToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
