package model

import "time"

// Measurement is a single sample reported by an agent. Value is dynamic:
// a number, a string, or a structured object after json normalization.
// A measurement with IsDelimiter set marks a flush boundary in auto-flush
// streaming mode.
type Measurement struct {
	Name        string      `yaml:"name" json:"name"`
	Timestamp   time.Time   `yaml:"timestamp" json:"timestamp"`
	Value       interface{} `yaml:"value" json:"value"`
	IsDelimiter bool        `yaml:"isDelimiter,omitempty" json:"isDelimiter,omitempty"`
}

// Operation is a reduction applied to a sequence of measurement values,
// either per agent (aggregate) or across agents (reduce).
type Operation string

const (
	OpAll    Operation = "all"
	OpFirst  Operation = "first"
	OpLast   Operation = "last"
	OpAvg    Operation = "avg"
	OpCount  Operation = "count"
	OpMax    Operation = "max"
	OpMedian Operation = "median"
	OpMin    Operation = "min"
	OpSum    Operation = "sum"
	OpDelta  Operation = "delta"
)

// FormatObject marks a metadata entry as structured, not numerically
// reducible. FormatJSON requests parsing the raw string value before
// aggregation; normalization rewrites it to FormatObject.
const (
	FormatObject = "object"
	FormatJSON   = "json"
)

// MeasurementMetadata describes how samples sharing a name are summarized
// and displayed.
type MeasurementMetadata struct {
	Name             string    `yaml:"name" json:"name"`
	Source           string    `yaml:"source" json:"source"`
	ShortDescription string    `yaml:"shortDescription" json:"shortDescription"`
	Format           string    `yaml:"format" json:"format"`
	Aggregate        Operation `yaml:"aggregate" json:"aggregate"`
	Reduce           Operation `yaml:"reduce" json:"reduce"`
}
