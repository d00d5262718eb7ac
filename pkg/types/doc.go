// Package types defines the domain types shared by the engine components and
// their collaborators: alerts, severities and the comparison operators used
// by both rule conditions and metric thresholds.
package types
