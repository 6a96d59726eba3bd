package queue

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

// JWTClaims represents the custom claims embedded in queue service tokens
type JWTClaims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	DoctorID  string `json:"doctor_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator implements JWT token validation
type TokenValidator struct {
	jwtSecret []byte
	issuer    string
	tokenTTL  time.Duration
}

// NewTokenValidator creates a new token validator
func NewTokenValidator(secret, issuer string, ttl time.Duration) *TokenValidator {
	return &TokenValidator{
		jwtSecret: []byte(secret),
		issuer:    issuer,
		tokenTTL:  ttl,
	}
}

// ValidateJWT validates a JWT token and returns user claims
func (tv *TokenValidator) ValidateJWT(tokenString string) (*types.UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tv.jwtSecret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	// Check expiration
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, fmt.Errorf("token expired")
	}

	return &types.UserClaims{
		UserID:    claims.UserID,
		Username:  claims.Username,
		Role:      types.UserRole(claims.Role),
		DoctorID:  claims.DoctorID,
		PatientID: claims.PatientID,
	}, nil
}

// IssueToken generates a signed token for the given claims
func (tv *TokenValidator) IssueToken(claims *types.UserClaims) (string, error) {
	now := time.Now()
	jwtClaims := &JWTClaims{
		UserID:    claims.UserID,
		Username:  claims.Username,
		Role:      string(claims.Role),
		DoctorID:  claims.DoctorID,
		PatientID: claims.PatientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tv.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tv.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	signed, err := token.SignedString(tv.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}
