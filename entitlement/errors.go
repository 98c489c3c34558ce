package entitlement

import "errors"

var (
	errEmptyPath  = errors.New("license path is empty")
	errNoCheckout = errors.New("checkout endpoint is not configured")
)
