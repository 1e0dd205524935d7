package store

import "errors"

// ErrSettingNotFound is returned when a tenant has no value for a setting key.
var ErrSettingNotFound = errors.New("setting not found")
