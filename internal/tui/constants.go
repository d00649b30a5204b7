package tui

import "time"

const (
	// Timeouts and Intervals
	TickInterval = 1 * time.Second

	// Input Dimensions
	InputWidth = 50

	// Layout
	ListWidthRatio   = 0.6
	HeaderHeight     = 3
	MinGraphHeight   = 7
	MinDetailHeight  = 10
	SpeedHistorySize = 120

	// Units
	Megabyte = 1024.0 * 1024.0
)
