package domain

import "time"

// DeviceStatus is the lifecycle state of a field device.
type DeviceStatus string

const (
	DeviceStatusPendingActivation DeviceStatus = "PENDING_ACTIVATION"
	DeviceStatusActive            DeviceStatus = "ACTIVE"
	DeviceStatusInactive          DeviceStatus = "INACTIVE"
	DeviceStatusMaintenance       DeviceStatus = "MAINTENANCE"
)

// Valid reports whether s is a known status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusPendingActivation, DeviceStatusActive, DeviceStatusInactive, DeviceStatusMaintenance:
		return true
	}
	return false
}

// Device is a provisioned thermal/environmental sensor unit.
type Device struct {
	ID                    int64
	Name                  string
	PlantID               *int64
	CropID                *int64
	Status                DeviceStatus
	MACAddress            *string
	DataCollectionMinutes int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewDevice carries the attributes an admin supplies when provisioning.
type NewDevice struct {
	Name                  string
	PlantID               *int64
	CropID                *int64
	DataCollectionMinutes int
	// ActivationCode is optional; a random code is generated when empty.
	ActivationCode string
}
