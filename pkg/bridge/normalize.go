package bridge

import (
	"sync"

	pb "github.com/kabili207/meshtastic-go/core/proto"
)

// The wire encoding omits boolean false and numeric zero fields, so a
// decoded config sub-message can be nil even when the radio has the
// section configured with all-default values. Each normalize function
// backfills one sub-message to an explicit zero-value struct so that
// downstream merges and JSON views always see concrete fields.

func normalizeDeviceConfig(cfg *pb.Config_DeviceConfig) *pb.Config_DeviceConfig {
	if cfg == nil {
		cfg = &pb.Config_DeviceConfig{}
	}
	return cfg
}

func normalizePositionConfig(cfg *pb.Config_PositionConfig) *pb.Config_PositionConfig {
	if cfg == nil {
		cfg = &pb.Config_PositionConfig{}
	}
	return cfg
}

func normalizeLoraConfig(cfg *pb.Config_LoRaConfig) *pb.Config_LoRaConfig {
	if cfg == nil {
		cfg = &pb.Config_LoRaConfig{}
	}
	return cfg
}

func normalizeMQTTConfig(cfg *pb.ModuleConfig_MQTTConfig) *pb.ModuleConfig_MQTTConfig {
	if cfg == nil {
		cfg = &pb.ModuleConfig_MQTTConfig{}
	}
	return cfg
}

func normalizeNeighborInfoConfig(cfg *pb.ModuleConfig_NeighborInfoConfig) *pb.ModuleConfig_NeighborInfoConfig {
	if cfg == nil {
		cfg = &pb.ModuleConfig_NeighborInfoConfig{}
	}
	return cfg
}

// ConfigCache holds the merged device configuration as reported across
// one or more configuration cycles. Merges are per sub-message: a config
// frame carrying only the LoRa section overwrites the LoRa section and
// leaves everything else untouched.
type ConfigCache struct {
	mu sync.RWMutex

	device       *pb.Config_DeviceConfig
	position     *pb.Config_PositionConfig
	lora         *pb.Config_LoRaConfig
	mqtt         *pb.ModuleConfig_MQTTConfig
	neighborInfo *pb.ModuleConfig_NeighborInfoConfig

	// Sections the bridge does not interpret are kept raw for backup.
	otherConfig       map[string]*pb.Config
	otherModuleConfig map[string]*pb.ModuleConfig
}

func NewConfigCache() *ConfigCache {
	return &ConfigCache{
		otherConfig:       make(map[string]*pb.Config),
		otherModuleConfig: make(map[string]*pb.ModuleConfig),
	}
}

// ApplyConfig merges one Config frame into the cache. Returns false when
// the frame carried no payload variant.
func (c *ConfigCache) ApplyConfig(cfg *pb.Config) bool {
	if cfg == nil || cfg.PayloadVariant == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch v := cfg.PayloadVariant.(type) {
	case *pb.Config_Device:
		c.device = normalizeDeviceConfig(v.Device)
	case *pb.Config_Position:
		c.position = normalizePositionConfig(v.Position)
	case *pb.Config_Lora:
		c.lora = normalizeLoraConfig(v.Lora)
	default:
		c.otherConfig[configVariantName(cfg)] = cfg
	}
	return true
}

// ApplyModuleConfig merges one ModuleConfig frame into the cache.
func (c *ConfigCache) ApplyModuleConfig(cfg *pb.ModuleConfig) bool {
	if cfg == nil || cfg.PayloadVariant == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch v := cfg.PayloadVariant.(type) {
	case *pb.ModuleConfig_Mqtt:
		c.mqtt = normalizeMQTTConfig(v.Mqtt)
	case *pb.ModuleConfig_NeighborInfo:
		c.neighborInfo = normalizeNeighborInfoConfig(v.NeighborInfo)
	default:
		c.otherModuleConfig[moduleConfigVariantName(cfg)] = cfg
	}
	return true
}

func configVariantName(cfg *pb.Config) string {
	switch cfg.PayloadVariant.(type) {
	case *pb.Config_Power:
		return "power"
	case *pb.Config_Network:
		return "network"
	case *pb.Config_Display:
		return "display"
	case *pb.Config_Bluetooth:
		return "bluetooth"
	case *pb.Config_Security:
		return "security"
	default:
		return "unknown"
	}
}

func moduleConfigVariantName(cfg *pb.ModuleConfig) string {
	switch cfg.PayloadVariant.(type) {
	case *pb.ModuleConfig_Serial:
		return "serial"
	case *pb.ModuleConfig_ExternalNotification:
		return "external_notification"
	case *pb.ModuleConfig_StoreForward:
		return "store_forward"
	case *pb.ModuleConfig_RangeTest:
		return "range_test"
	case *pb.ModuleConfig_Telemetry:
		return "telemetry"
	case *pb.ModuleConfig_CannedMessage:
		return "canned_message"
	case *pb.ModuleConfig_Audio:
		return "audio"
	case *pb.ModuleConfig_RemoteHardware:
		return "remote_hardware"
	case *pb.ModuleConfig_Paxcounter:
		return "paxcounter"
	case *pb.ModuleConfig_DetectionSensor:
		return "detection_sensor"
	case *pb.ModuleConfig_AmbientLighting:
		return "ambient_lighting"
	default:
		return "unknown"
	}
}

// MergedConfig is a JSON-friendly snapshot of the interpreted sections.
// Sub-messages the radio has not reported yet are null.
type MergedConfig struct {
	Device       *pb.Config_DeviceConfig             `json:"device"`
	Position     *pb.Config_PositionConfig           `json:"position"`
	Lora         *pb.Config_LoRaConfig               `json:"lora"`
	Mqtt         *pb.ModuleConfig_MQTTConfig         `json:"mqtt"`
	NeighborInfo *pb.ModuleConfig_NeighborInfoConfig `json:"neighborInfo"`
}

// Merged returns the current snapshot.
func (c *ConfigCache) Merged() MergedConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return MergedConfig{
		Device:       c.device,
		Position:     c.position,
		Lora:         c.lora,
		Mqtt:         c.mqtt,
		NeighborInfo: c.neighborInfo,
	}
}

// Device returns the cached device section, normalized.
func (c *ConfigCache) Device() *pb.Config_DeviceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return normalizeDeviceConfig(c.device)
}

// Position returns the cached position section, normalized.
func (c *ConfigCache) Position() *pb.Config_PositionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return normalizePositionConfig(c.position)
}

// Lora returns the cached LoRa section, normalized.
func (c *ConfigCache) Lora() *pb.Config_LoRaConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return normalizeLoraConfig(c.lora)
}

// Mqtt returns the cached MQTT module section, normalized.
func (c *ConfigCache) Mqtt() *pb.ModuleConfig_MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return normalizeMQTTConfig(c.mqtt)
}

// NeighborInfo returns the cached neighbor-info module section, normalized.
func (c *ConfigCache) NeighborInfo() *pb.ModuleConfig_NeighborInfoConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return normalizeNeighborInfoConfig(c.neighborInfo)
}

// Reset drops all cached sections, used when a new configuration cycle
// begins.
func (c *ConfigCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = nil
	c.position = nil
	c.lora = nil
	c.mqtt = nil
	c.neighborInfo = nil
	c.otherConfig = make(map[string]*pb.Config)
	c.otherModuleConfig = make(map[string]*pb.ModuleConfig)
}
