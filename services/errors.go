package services

import "errors"

var (
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrStaleSubscription         = errors.New("event is for a subscription the user no longer holds")
	ErrUsageNotFound             = errors.New("usage record not found")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrPaymentNotSucceeded       = errors.New("payment has not succeeded")
	ErrProviderCancelFailed      = errors.New("billing provider cancellation failed")
	ErrDatabaseUpdate            = errors.New("database update failed")
	ErrQuotaExceeded             = errors.New("generation quota exceeded")
	ErrAlreadySubscribed         = errors.New("user already has an active paid subscription")
	ErrCheckoutFailed            = errors.New("checkout could not be started")
)
