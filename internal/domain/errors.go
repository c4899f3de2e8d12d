package domain

import "errors"

// 传输与信任链路的错误定义
var (
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSpamRejected         = errors.New("message rejected as spam")
	ErrParseFailure         = errors.New("malformed message")
	ErrSigning              = errors.New("dkim signing failed")
	ErrCertificateMissing   = errors.New("certificate missing")
	ErrRegistrarAPI         = errors.New("registrar api error")
	ErrRegistrarNotEnabled  = errors.New("registrar not configured")
	ErrKeyGeneration        = errors.New("key generation failed")
	ErrDomainExists         = errors.New("domain already exists")
	ErrDomainNotFound       = errors.New("domain not found")
	ErrDomainInactive       = errors.New("domain is inactive")
	ErrAddressExists        = errors.New("address already exists")
	ErrAddressNotFound      = errors.New("address not found")
	ErrAddressInactive      = errors.New("address is inactive")
	ErrUserExists           = errors.New("user already exists")
	ErrUserNotFound         = errors.New("user not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrMessageExists        = errors.New("message already exists")
	ErrInvalidMXRecord      = errors.New("invalid mx record")
	ErrInvalidKeyProfile    = errors.New("invalid key profile")
	ErrNoRecipients         = errors.New("no recipients")
	ErrInvalidHeader        = errors.New("invalid header")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrSenderNotOwned       = errors.New("sender address not owned by user")
)
