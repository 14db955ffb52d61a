package model

import "time"

type Student struct {
	ID           string
	Code         string
	Email        string
	PasswordHash string
	FullName     string
	Active       bool
	CreatedAt    time.Time
}

// DeviceMetadata is what the app reports about its installation at login.
type DeviceMetadata struct {
	Name                string `json:"deviceName,omitempty"`
	Type                string `json:"deviceType,omitempty"`
	Model               string `json:"deviceModel,omitempty"`
	OSVersion           string `json:"osVersion,omitempty"`
	AppVersion          string `json:"appVersion,omitempty"`
	BiometricEnabled    bool   `json:"biometricEnabled,omitempty"`
	LocationPermission  bool   `json:"locationPermission,omitempty"`
	BluetoothPermission bool   `json:"bluetoothPermission,omitempty"`
}

type Device struct {
	ID            string
	StudentID     string
	DeviceID      string
	Metadata      DeviceMetadata
	Active        bool
	ActivatedAt   *time.Time
	LastSeenAt    *time.Time
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

type SwitchStatus string

const (
	SwitchPending  SwitchStatus = "pending"
	SwitchApproved SwitchStatus = "approved"
	SwitchRejected SwitchStatus = "rejected"
)

func (s SwitchStatus) Valid() bool {
	switch s {
	case SwitchPending, SwitchApproved, SwitchRejected:
		return true
	}
	return false
}

type SwitchRequest struct {
	ID                string
	StudentID         string
	OldDeviceID       *string
	NewDeviceID       string
	NewDeviceMetadata DeviceMetadata
	Reason            string
	Status            SwitchStatus
	RequestedAt       time.Time
	ApprovedAt        *time.Time
	RejectedAt        *time.Time
	ReviewedBy        *string
	RejectionReason   *string
	CompletedAt       *time.Time
	AdditionalInfo    map[string]any
}

// Open reports whether the request still blocks or gates its new device:
// pending, or approved but not yet activated.
func (r SwitchRequest) Open() bool {
	switch r.Status {
	case SwitchPending:
		return true
	case SwitchApproved:
		return r.CompletedAt == nil
	}
	return false
}

type ActivityType string

const (
	ActivityLoginSuccess            ActivityType = "login_success"
	ActivityFailedLogin             ActivityType = "failed_login"
	ActivityLoginLocked             ActivityType = "login_locked"
	ActivityPresenceDenied          ActivityType = "presence_denied"
	ActivityDeviceConflict          ActivityType = "device_conflict"
	ActivityDeviceRegistered        ActivityType = "device_registered"
	ActivityDeviceActivated         ActivityType = "device_activated"
	ActivityDeviceDeactivated       ActivityType = "device_deactivated"
	ActivitySwitchRequestCreated    ActivityType = "switch_request_created"
	ActivitySwitchRequestApproved   ActivityType = "switch_request_approved"
	ActivitySwitchRequestRejected   ActivityType = "switch_request_rejected"
	ActivitySwitchRequestExpired    ActivityType = "switch_request_expired"
	ActivitySwitchRequestSuperseded ActivityType = "switch_request_superseded"
	ActivityEmergencyActivation     ActivityType = "emergency_activation"
)

type ActivityLogEntry struct {
	ID        string
	StudentID string
	DeviceID  string
	Type      ActivityType
	Context   map[string]any
	CreatedAt time.Time
}

type DeviceStatus string

const (
	DeviceStatusActive                DeviceStatus = "active"
	DeviceStatusPendingActivation     DeviceStatus = "pending_activation"
	DeviceStatusAwaitingAdminApproval DeviceStatus = "awaiting_admin_approval"
	DeviceStatusInactive              DeviceStatus = "inactive"
	DeviceStatusUnregistered          DeviceStatus = "unregistered"
)
