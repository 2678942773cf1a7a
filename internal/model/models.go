package model

import (
	"time"
)

// Run is one engine session started by the CLI.
type Run struct {
	ID          uint   `gorm:"primaryKey"`
	Fingerprint string `gorm:"index"` // identity of the decoded link, remark excluded
	Link        string // canonical share link
	Remark      string
	Protocol    string
	Address     string
	Port        int
	Network     string
	Security    string

	// Local side
	ConfigPath string
	Listen     string
	SocksPort  int
	HTTPPort   int
	Runner     string // "process" or "embedded"
	PID        int

	Status    string
	ExitCode  int
	StartedAt time.Time
	StoppedAt *time.Time
}
