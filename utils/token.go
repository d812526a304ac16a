package utils

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Tokens struct to describe tokens object.
type Tokens struct {
	Access  string
	Refresh string
}

// TokenMetadata struct to describe metadata in JWT.
type TokenMetadata struct {
	ID  uint
	Otp bool
	Exp int64
}

// TokenManager issues and checks HS512 access and refresh tokens.
type TokenManager struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenManager(accessKey, refreshKey string, accessTTL, refreshTTL time.Duration) *TokenManager {
	return &TokenManager{
		accessKey:  []byte(accessKey),
		refreshKey: []byte(refreshKey),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// AccessKey is handed to the fiber JWT middleware.
func (m *TokenManager) AccessKey() []byte {
	return m.accessKey
}

// GenerateTokens produces a new access and refresh pair. otp marks a session
// that still has to pass the second factor.
func (m *TokenManager) GenerateTokens(id uint, otp bool) (*Tokens, error) {
	accessToken, err := generateToken(id, otp, m.accessTTL, m.accessKey)
	if err != nil {
		return nil, err
	}

	refreshToken, err := generateToken(id, otp, m.refreshTTL, m.refreshKey)
	if err != nil {
		return nil, err
	}

	return &Tokens{
		Access:  accessToken,
		Refresh: refreshToken,
	}, nil
}

func generateToken(id uint, otp bool, ttl time.Duration, key []byte) (string, error) {
	claims := jwt.MapClaims{}

	claims["id"] = strconv.FormatUint(uint64(id), 10)
	claims["otp"] = otp
	claims["exp"] = time.Now().Add(ttl).Unix()
	// Two pairs minted in the same second must still differ.
	claims["jti"] = uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	return token.SignedString(key)
}

func (m *TokenManager) ParseAccess(token string) (*TokenMetadata, error) {
	return checkAndExtractTokenMetadata(token, m.accessKey)
}

func (m *TokenManager) ParseRefresh(token string) (*TokenMetadata, error) {
	return checkAndExtractTokenMetadata(token, m.refreshKey)
}

func checkAndExtractTokenMetadata(token string, key []byte) (*TokenMetadata, error) {
	t, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok || !t.Valid {
		return nil, ErrInvalidToken
	}
	return MetadataFromClaims(claims)
}

// MetadataFromClaims reads the claims written by GenerateTokens.
func MetadataFromClaims(claims jwt.MapClaims) (*TokenMetadata, error) {
	rawID, _ := claims["id"].(string)
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		return nil, ErrInvalidToken
	}
	otp, _ := claims["otp"].(bool)
	exp, _ := claims["exp"].(float64)

	return &TokenMetadata{
		ID:  uint(id),
		Otp: otp,
		Exp: int64(exp),
	}, nil
}
