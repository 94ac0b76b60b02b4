// Package models defines the database models for the enroller.
package models

const (
	// DefaultLimit is the max number of rows retrieved per listing call
	DefaultLimit = 50
)

// ListOptions represents pagination options for list operations
type ListOptions struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
