package storage

import "strings"

// KeyPrefix - общее пространство имен ключей сервиса.
const KeyPrefix = "storyfill"

// EventChannel - общий канал pub/sub для событий всех комнат.
const EventChannel = KeyPrefix + ":events"

const roomStateSuffix = ":state"

func RoomStateKey(roomID string) string {
	return KeyPrefix + ":room:" + roomID + roomStateSuffix
}

func RoomCodeKey(code string) string {
	return KeyPrefix + ":room_code:" + strings.ToUpper(code)
}

func RoomPresenceKey(roomID string) string {
	return KeyPrefix + ":room:" + roomID + ":presence"
}

// RoomKeyPrefix - префикс для обхода всех комнат.
func RoomKeyPrefix() string {
	return KeyPrefix + ":room:"
}

// RoomIDFromStateKey извлекает id комнаты из ключа состояния.
// Для ключей присутствия и прочих возвращает false.
func RoomIDFromStateKey(key string) (string, bool) {
	prefix := RoomKeyPrefix()
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, roomStateSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), roomStateSuffix)
	if id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}

func RateLimitKey(bucket string) string {
	return KeyPrefix + ":rate:" + bucket
}

func TTSCacheKey(cacheKey string) string {
	return KeyPrefix + ":tts:cache:" + cacheKey
}

// TTSCachePrefix - префикс всех записей аудио-кэша.
func TTSCachePrefix() string {
	return KeyPrefix + ":tts:cache:"
}

func ShareKey(token string) string {
	return KeyPrefix + ":share:" + token
}
