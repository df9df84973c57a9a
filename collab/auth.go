package collab

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity carried by the channel jwt. the channel is authenticated once,
// before any message is accepted; per-message authorization is the
// permission gate's job
type ChannelIdentity struct {
	UserId      Id
	DisplayName string
	Role        string
}

type ChannelAuth struct {
	secret []byte
}

func NewChannelAuth(secret string) *ChannelAuth {
	return &ChannelAuth{
		secret: []byte(secret),
	}
}

func (self *ChannelAuth) Verify(token string) (*ChannelIdentity, error) {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return nil, NewSyncError(ErrorCodeAuthenticationRequired, "invalid token")
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, NewSyncError(ErrorCodeAuthenticationRequired, "invalid claims")
	}

	identity := &ChannelIdentity{}
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			identity.UserId = userId
		}
	}
	if (identity.UserId == Id{}) {
		return nil, NewSyncError(ErrorCodeAuthenticationRequired, "token has no user id")
	}
	if displayName, ok := claims["user_name"].(string); ok {
		identity.DisplayName = displayName
	}
	if role, ok := claims["role"].(string); ok {
		identity.Role = role
	}
	return identity, nil
}

func (self *ChannelAuth) Mint(identity *ChannelIdentity, timeout time.Duration) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   identity.UserId.String(),
		"user_name": identity.DisplayName,
		"role":      identity.Role,
		"iat":       now.Unix(),
		"exp":       now.Add(timeout).Unix(),
	})
	return token.SignedString(self.secret)
}
