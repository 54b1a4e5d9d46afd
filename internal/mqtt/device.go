package mqtt

import (
	"github.com/lilphil/homeassistant-classcharts/internal/buildinfo"
	"github.com/lilphil/homeassistant-classcharts/internal/entity"
	"github.com/lilphil/homeassistant-classcharts/internal/integration"
)

// Availability is one entry in a discovery payload's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// SensorConfig is the retained discovery payload for a counter sensor.
type SensorConfig struct {
	Name             string            `json:"name"`
	HasEntityName    bool              `json:"has_entity_name,omitempty"`
	UniqueID         string            `json:"unique_id"`
	ObjectID         string            `json:"object_id,omitempty"`
	StateTopic       string            `json:"state_topic"`
	Availability     []Availability    `json:"availability"`
	AvailabilityMode string            `json:"availability_mode,omitempty"`
	Device           entity.DeviceInfo `json:"device"`
	Icon             string            `json:"icon,omitempty"`
	StateClass       string            `json:"state_class,omitempty"`
}

// ButtonConfig is the retained discovery payload for an account's
// refresh button.
type ButtonConfig struct {
	Name           string            `json:"name"`
	HasEntityName  bool              `json:"has_entity_name,omitempty"`
	UniqueID       string            `json:"unique_id"`
	CommandTopic   string            `json:"command_topic"`
	PayloadPress   string            `json:"payload_press"`
	Availability   []Availability    `json:"availability"`
	Device         entity.DeviceInfo `json:"device"`
	Icon           string            `json:"icon,omitempty"`
	EntityCategory string            `json:"entity_category,omitempty"`
}

// AccountDeviceInfo is the device block for an account. It carries the
// refresh button; pupils are separate devices.
func AccountDeviceInfo(entry integration.Entry) entity.DeviceInfo {
	return entity.DeviceInfo{
		Identifiers:  []string{entry.ID},
		Name:         "ClassCharts " + entry.Title,
		Manufacturer: entity.Manufacturer,
		Model:        "Parent Account",
		SWVersion:    buildinfo.Version,
	}
}
