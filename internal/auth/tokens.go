// Package auth выпускает и проверяет токены хоста и игроков комнаты.
package auth

import (
	"errors"
	"fmt"
	"time"

	"storyfill-server/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role - роль владельца токена.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// ErrInvalidToken - токен не прошел разбор или проверку подписи/срока.
var ErrInvalidToken = errors.New("invalid room token")

// Claims - содержимое токена комнаты.
type Claims struct {
	Role     Role   `json:"role"`
	RoomID   string `json:"room_id"`
	RoomCode string `json:"room_code"`
	PlayerID string `json:"player_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer подписывает токены HS256 общим секретом.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. ttl <= 0 falls back to models.RoomTTL.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = models.RoomTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// SetClock подменяет часы (для тестов).
func (i *TokenIssuer) SetClock(now func() time.Time) {
	i.now = now
}

func (i *TokenIssuer) issue(claims Claims) (string, error) {
	now := i.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        "jti_" + uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", claims.Role, err)
	}
	return signed, nil
}

// IssueHost выпускает токен хоста комнаты.
func (i *TokenIssuer) IssueHost(roomID, roomCode string) (string, error) {
	return i.issue(Claims{Role: RoleHost, RoomID: roomID, RoomCode: roomCode})
}

// IssuePlayer выпускает единственный токен игрока.
func (i *TokenIssuer) IssuePlayer(roomID, roomCode, playerID string) (string, error) {
	return i.issue(Claims{Role: RolePlayer, RoomID: roomID, RoomCode: roomCode, PlayerID: playerID})
}

// Parse проверяет подпись и срок действия.
func (i *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyHost returns models.ErrHostTokenRequired unless the token is a host token for roomID.
func (i *TokenIssuer) VerifyHost(tokenString, roomID string) error {
	claims, err := i.Parse(tokenString)
	if err != nil || claims.Role != RoleHost || claims.RoomID != roomID {
		return models.ErrHostTokenRequired
	}
	return nil
}

// VerifyPlayer returns models.ErrPlayerTokenRequired unless the token belongs to playerID in roomID.
func (i *TokenIssuer) VerifyPlayer(tokenString, roomID, playerID string) error {
	claims, err := i.Parse(tokenString)
	if err != nil || claims.Role != RolePlayer || claims.RoomID != roomID || claims.PlayerID != playerID {
		return models.ErrPlayerTokenRequired
	}
	return nil
}
