package narration

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PipelineVersion входит в ключ кэша: смена версии инвалидирует весь кэш.
const PipelineVersion = "v2"

const defaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"opus": "audio/opus",
	"aac":  "audio/aac",
	"flac": "audio/flac",
}

// CacheKey - отпечаток контента: sha256(story|model|voice|version) в hex.
func CacheKey(story, model, voice string) string {
	sum := sha256.Sum256([]byte(story + "|" + model + "|" + voice + "|" + PipelineVersion))
	return hex.EncodeToString(sum[:])
}

// ContentTypeFor - MIME тип для формата аудио.
func ContentTypeFor(format string) string {
	if ct, ok := contentTypes[strings.ToLower(format)]; ok {
		return ct
	}
	return defaultContentType
}

// Extension - расширение ключа аудио-объекта или "".
func Extension(audioKey string) string {
	idx := strings.LastIndex(audioKey, ".")
	if idx < 0 || idx == len(audioKey)-1 {
		return ""
	}
	return audioKey[idx+1:]
}

// ContentTypeFromKey определяет MIME тип по расширению ключа объекта.
func ContentTypeFromKey(audioKey string) string {
	ext := Extension(audioKey)
	if ext == "" {
		return defaultContentType
	}
	return ContentTypeFor(ext)
}

// AudioKey - ключ объекта: room/{code}/round/{round}/{cache_key}.{format}.
func AudioKey(roomCode, roundID, cacheKey, format string) string {
	return "room/" + roomCode + "/round/" + roundID + "/" + cacheKey + "." + strings.ToLower(format)
}

// roomAudioPrefix - префикс всех объектов комнаты.
func roomAudioPrefix(roomCode string) string {
	return "room/" + roomCode + "/"
}
