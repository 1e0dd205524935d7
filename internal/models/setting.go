package models

import "time"

// Setting is a key/value pair stored in a tenant database.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
