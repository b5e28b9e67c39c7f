package model

import (
	"fmt"

	"github.com/google/uuid"
)

// FleetType identifies one of the device fleets the engine processes.
// Each fleet has its own candidate selection, detail table and lock key.
type FleetType string

const (
	FleetTracking FleetType = "tracking"
	FleetVoice    FleetType = "voice"
	FleetIoT      FleetType = "iot"
)

// AllFleets lists every fleet in processing order.
var AllFleets = []FleetType{FleetTracking, FleetVoice, FleetIoT}

func (f FleetType) Valid() bool {
	switch f {
	case FleetTracking, FleetVoice, FleetIoT:
		return true
	}
	return false
}

func ParseFleetType(s string) (FleetType, error) {
	f := FleetType(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown fleet type %q", s)
	}
	return f, nil
}

// GenerateUUIDWithSuffix generates a UUID with a given module name as a suffix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}
