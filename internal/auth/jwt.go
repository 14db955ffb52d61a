package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	UserTypeStudent = "student"
	UserTypeAdmin   = "admin"
	UserTypeDev     = "dev"
)

type Claims struct {
	UserID      string `json:"user_id"`
	UserType    string `json:"user_type"`
	StudentCode string `json:"student_code,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	// DeviceStatus and CanMarkAttendance are the capability at issue time,
	// for display only. A later switch does not revoke the token, so
	// attendance marking checks ValidateStudentDevice instead.
	DeviceStatus      string  `json:"device_status,omitempty"`
	CanMarkAttendance bool    `json:"can_mark_attendance"`
	AdminRole         *string `json:"admin_role,omitempty"`
	jwt.RegisteredClaims
}

func NewAccessToken(secret, issuer string, ttl time.Duration, claims Claims) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, issuer, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (c *Claims) IsAdmin() bool {
	return c.UserType == UserTypeAdmin || c.UserType == UserTypeDev
}

// Issuer signs student access tokens.
type Issuer struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

func (i Issuer) Issue(claims Claims) (string, error) {
	return NewAccessToken(i.Secret, i.Issuer, i.TTL, claims)
}
