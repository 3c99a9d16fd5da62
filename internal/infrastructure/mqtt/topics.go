package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Device Hub MQTT channel.
//
// All device-facing topics use the flat scheme:
// devicehub/{category}/{deviceGuid}. Devices publish notifications and
// command updates; the hub publishes commands.
const (
	// TopicPrefix is the base for all Device Hub topics.
	TopicPrefix = "devicehub"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "devicehub/system"
)

// Topics provides builders for Device Hub MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("thermostat-7")
//	// Returns: "devicehub/command/thermostat-7"
type Topics struct{}

// DeviceNotification returns the topic a device publishes notifications on.
//
// Example: devicehub/notification/thermostat-7
func (Topics) DeviceNotification(deviceGUID string) string {
	return fmt.Sprintf("%s/notification/%s", TopicPrefix, deviceGUID)
}

// DeviceCommand returns the topic the hub publishes commands on.
//
// Example: devicehub/command/thermostat-7
func (Topics) DeviceCommand(deviceGUID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceGUID)
}

// DeviceCommandUpdate returns the topic a device publishes command
// execution results on.
//
// Example: devicehub/update/thermostat-7
func (Topics) DeviceCommandUpdate(deviceGUID string) string {
	return fmt.Sprintf("%s/update/%s", TopicPrefix, deviceGUID)
}

// SystemStatus returns the hub status topic, used for online/offline
// announcements and the Last Will message.
//
// Example: devicehub/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceNotifications returns a pattern matching notification
// publications from every device.
//
// Pattern: devicehub/notification/+
func (Topics) AllDeviceNotifications() string {
	return fmt.Sprintf("%s/notification/+", TopicPrefix)
}

// AllDeviceCommandUpdates returns a pattern matching command update
// publications from every device.
//
// Pattern: devicehub/update/+
func (Topics) AllDeviceCommandUpdates() string {
	return fmt.Sprintf("%s/update/+", TopicPrefix)
}

// DeviceFromTopic extracts the device GUID from a per-device topic.
// Returns an empty string when the topic does not carry one.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix {
		return ""
	}
	switch parts[1] {
	case "notification", "command", "update":
		return parts[2]
	}
	return ""
}
