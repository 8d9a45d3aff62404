package exception

import "github.com/yanun0323/errors"

var (
	ErrAuthLoginFailed    = errors.New("auth: login failed")
	ErrAuthTwoFA          = errors.New("auth: twofa rejected")
	ErrAuthNoRequestToken = errors.New("auth: request token missing from redirect")
	ErrAuthTokenExchange  = errors.New("auth: token exchange failed")
	ErrAuthTokenExpired   = errors.New("auth: token expired")
)
