package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/SafeMPC/lit-client/internal/auth"
)

// 生成用于本地测试网络的 OAuth 风格令牌，并输出其 auth method ID
func main() {
	subject := flag.String("sub", "system-test", "Token subject")
	audience := flag.String("aud", "lit-client-test", "Token audience (OAuth client id)")
	issuer := flag.String("iss", "https://accounts.google.com", "Token issuer")
	secret := flag.String("secret", "change-me-in-production", "HMAC secret, only meaningful to fake nodes")
	flag.Parse()

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now()),
		Issuer:    *issuer,
		Subject:   *subject,
		Audience:  jwt.ClaimStrings{*audience},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(*secret))
	if err != nil {
		panic(err)
	}

	id, err := auth.AuthMethodID(auth.AuthMethod{AuthMethodType: auth.AuthMethodGoogleJwt, AccessToken: signedToken}, "")
	if err != nil {
		panic(err)
	}
	fmt.Println(signedToken)
	fmt.Println(id)
}
