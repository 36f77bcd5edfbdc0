package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity claims carried by the workspace credential. The relay verifies
// the token; clients only mine it for display identity, so parsing here is
// deliberately unverified.
type ByJwt struct {
	UserId   string
	UserName string
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		byJwt.UserId = userId
	} else if sub, ok := claims["sub"].(string); ok {
		byJwt.UserId = sub
	}
	if userName, ok := claims["user_name"].(string); ok {
		byJwt.UserName = userName
	} else if name, ok := claims["name"].(string); ok {
		byJwt.UserName = name
	}

	return byJwt, nil
}
