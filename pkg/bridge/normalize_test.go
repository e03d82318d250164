package bridge

import (
	"testing"

	pb "github.com/kabili207/meshtastic-go/core/proto"
)

func TestConfigCacheMergesPerSection(t *testing.T) {
	c := NewConfigCache()

	c.ApplyConfig(&pb.Config{
		PayloadVariant: &pb.Config_Lora{Lora: &pb.Config_LoRaConfig{
			UsePreset: true,
			Region:    pb.Config_LoRaConfig_EU_868,
			HopLimit:  3,
		}},
	})
	c.ApplyConfig(&pb.Config{
		PayloadVariant: &pb.Config_Device{Device: &pb.Config_DeviceConfig{
			Role: pb.Config_DeviceConfig_ROUTER,
		}},
	})

	merged := c.Merged()
	if merged.Lora == nil || !merged.Lora.GetUsePreset() || merged.Lora.GetHopLimit() != 3 {
		t.Fatalf("lora section lost in merge: %+v", merged.Lora)
	}
	if merged.Device == nil || merged.Device.GetRole() != pb.Config_DeviceConfig_ROUTER {
		t.Fatalf("device section not merged: %+v", merged.Device)
	}
	if merged.Position != nil {
		t.Fatal("unreported section should stay null")
	}

	// A later frame for the same section replaces only that section.
	c.ApplyConfig(&pb.Config{
		PayloadVariant: &pb.Config_Lora{Lora: &pb.Config_LoRaConfig{HopLimit: 7}},
	})
	merged = c.Merged()
	if merged.Lora.GetHopLimit() != 7 || merged.Lora.GetUsePreset() {
		t.Fatalf("lora section not replaced: %+v", merged.Lora)
	}
	if merged.Device.GetRole() != pb.Config_DeviceConfig_ROUTER {
		t.Fatal("device section lost when lora was replaced")
	}
}

func TestNormalizeBackfillsDefaults(t *testing.T) {
	c := NewConfigCache()

	// A section the radio never reported still reads as concrete
	// defaults, never nil.
	lora := c.Lora()
	if lora == nil {
		t.Fatal("normalized lora section is nil")
	}
	if lora.GetUsePreset() || lora.GetFrequencyOffset() != 0 {
		t.Fatalf("unexpected defaults: %+v", lora)
	}

	mqtt := c.Mqtt()
	if mqtt == nil || mqtt.GetEnabled() {
		t.Fatalf("unexpected mqtt defaults: %+v", mqtt)
	}
}

func TestApplyConfigEmptyVariant(t *testing.T) {
	c := NewConfigCache()
	if c.ApplyConfig(&pb.Config{}) {
		t.Fatal("config without a payload variant should be rejected")
	}
	if c.ApplyModuleConfig(nil) {
		t.Fatal("nil module config should be rejected")
	}
}

func TestConfigCacheReset(t *testing.T) {
	c := NewConfigCache()
	c.ApplyConfig(&pb.Config{
		PayloadVariant: &pb.Config_Device{Device: &pb.Config_DeviceConfig{}},
	})
	c.Reset()
	if c.Merged().Device != nil {
		t.Fatal("reset kept the device section")
	}
}
