package sensors

// Bluetooth Service and Characteristic UUIDs
const (
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	ServiceUUIDFTMS             = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData      = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint    = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange = "00002ad8-0000-1000-8000-00805f9b34fb"

	ServiceUUIDBattery   = "0000180f-0000-1000-8000-00805f9b34fb"
	CharUUIDBatteryLevel = "00002a19-0000-1000-8000-00805f9b34fb"
)

// Capability is something a connected sensor can provide.
type Capability string

const (
	CapabilityHeartRate Capability = "heart_rate"
	CapabilityPower     Capability = "power"
	CapabilityCadence   Capability = "cadence"
	CapabilitySpeed     Capability = "speed"
	CapabilityTrainer   Capability = "controllable_trainer"
)

// StreamID names one notification characteristic we know how to decode.
type StreamID string

const (
	StreamHeartRate      StreamID = "heart_rate"
	StreamCSC            StreamID = "csc"
	StreamCyclingPower   StreamID = "cycling_power"
	StreamIndoorBikeData StreamID = "indoor_bike_data"
)

// DataStream is a service/characteristic pair delivering notifications.
type DataStream struct {
	ID                 StreamID
	ServiceUUID        string
	CharacteristicUUID string
	Provides           []Capability
}

// NotifyStreams is the registry of decodable notification streams, in the
// order they are subscribed.
var NotifyStreams = []DataStream{
	{
		ID:                 StreamHeartRate,
		ServiceUUID:        ServiceUUIDHeartRate,
		CharacteristicUUID: CharUUIDHeartRateMeasurement,
		Provides:           []Capability{CapabilityHeartRate},
	},
	{
		ID:                 StreamCSC,
		ServiceUUID:        ServiceUUIDCyclingSpeedCadence,
		CharacteristicUUID: CharUUIDCSCMeasurement,
		Provides:           []Capability{CapabilityCadence, CapabilitySpeed},
	},
	{
		ID:                 StreamCyclingPower,
		ServiceUUID:        ServiceUUIDCyclingPower,
		CharacteristicUUID: CharUUIDCyclingPowerMeasurement,
		Provides:           []Capability{CapabilityPower},
	},
	{
		ID:                 StreamIndoorBikeData,
		ServiceUUID:        ServiceUUIDFTMS,
		CharacteristicUUID: CharUUIDIndoorBikeData,
		Provides:           []Capability{CapabilityPower, CapabilityCadence, CapabilitySpeed},
	},
}

// ScanServiceUUIDs returns the deduplicated services worth discovering.
func ScanServiceUUIDs() []string {
	seen := make(map[string]bool)
	var result []string
	for _, s := range NotifyStreams {
		if !seen[s.ServiceUUID] {
			seen[s.ServiceUUID] = true
			result = append(result, s.ServiceUUID)
		}
	}
	return result
}

// supportedStreams filters NotifyStreams to those a device advertises.
func supportedStreams(has func(uuid string) bool) []DataStream {
	var result []DataStream
	for _, s := range NotifyStreams {
		if has(s.ServiceUUID) {
			result = append(result, s)
		}
	}
	return result
}

// capabilitiesOf derives the capability set from advertised services.
func capabilitiesOf(has func(uuid string) bool) []Capability {
	seen := make(map[Capability]bool)
	var result []Capability
	for _, s := range supportedStreams(has) {
		for _, c := range s.Provides {
			if !seen[c] {
				seen[c] = true
				result = append(result, c)
			}
		}
	}
	if has(ServiceUUIDFTMS) {
		result = append(result, CapabilityTrainer)
	}
	return result
}

func hasCapability(caps []Capability, c Capability) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
