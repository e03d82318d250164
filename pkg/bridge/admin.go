package bridge

import (
	"fmt"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

// Remote admin requests need a session passkey from the target node.
// The passkey is fetched once per expiry window and piggy-backed onto
// every request; responses are collected by the pipeline and polled
// here with a bounded wait.

func (m *Manager) recordAdminResponse(from uint32, admin *pb.AdminMessage) {
	m.adminMu.Lock()
	m.adminResponses[from] = admin
	m.adminMu.Unlock()
}

func (m *Manager) takeAdminResponse(from uint32) *pb.AdminMessage {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	admin, ok := m.adminResponses[from]
	if !ok {
		return nil
	}
	delete(m.adminResponses, from)
	return admin
}

func (m *Manager) clearAdminResponse(from uint32) {
	m.adminMu.Lock()
	delete(m.adminResponses, from)
	m.adminMu.Unlock()
}

// sendAdmin transmits one admin message. For remote destinations a valid
// session passkey is attached, requesting a fresh one first on cache
// miss or expiry.
func (m *Manager) sendAdmin(dest uint32, admin *pb.AdminMessage, wantResponse bool) error {
	local, ok := m.session.NodeNum()
	if !ok {
		return fmt.Errorf("local node identity is not known yet")
	}

	if dest != local {
		passkey, ok := m.session.Passkey(dest)
		if !ok {
			var err error
			passkey, err = m.fetchPasskey(dest)
			if err != nil {
				return err
			}
		}
		admin.SessionPasskey = passkey
	}

	payload, err := proto.Marshal(admin)
	if err != nil {
		return fmt.Errorf("failed to marshal admin message: %w", err)
	}
	data := &pb.Data{
		Portnum:      pb.PortNum_ADMIN_APP,
		Payload:      payload,
		WantResponse: wantResponse,
	}
	_, err = m.sendData(data, dest, 0, false, 0)
	return err
}

// fetchPasskey performs the one admin round-trip that yields a session
// passkey, polling the credential cache with a bounded wait.
func (m *Manager) fetchPasskey(dest uint32) ([]byte, error) {
	req := &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_GetConfigRequest{
			GetConfigRequest: pb.AdminMessage_SESSIONKEY_CONFIG,
		},
	}
	payload, err := proto.Marshal(req)
	if err != nil {
		return nil, err
	}
	data := &pb.Data{
		Portnum:      pb.PortNum_ADMIN_APP,
		Payload:      payload,
		WantResponse: true,
	}
	if _, err := m.sendData(data, dest, 0, false, 0); err != nil {
		return nil, err
	}

	deadline := m.now().Add(adminPollTimeout)
	for m.now().Before(deadline) {
		time.Sleep(adminPollInterval)
		if passkey, ok := m.session.Passkey(dest); ok {
			return passkey, nil
		}
	}
	return nil, fmt.Errorf("session passkey from %s not available", models.NodeIDFromNum(dest))
}

// GetConfig requests one config section from a node and waits for the
// response with a bounded poll.
func (m *Manager) GetConfig(dest uint32, configType pb.AdminMessage_ConfigType) (*pb.Config, error) {
	m.clearAdminResponse(dest)
	err := m.sendAdmin(dest, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_GetConfigRequest{GetConfigRequest: configType},
	}, true)
	if err != nil {
		return nil, err
	}

	deadline := m.now().Add(adminPollTimeout)
	for m.now().Before(deadline) {
		time.Sleep(adminPollInterval)
		admin := m.takeAdminResponse(dest)
		if admin == nil {
			continue
		}
		if cfg := admin.GetGetConfigResponse(); cfg != nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("config response from %s not available", models.NodeIDFromNum(dest))
}

// GetModuleConfig requests one module config section from a node.
func (m *Manager) GetModuleConfig(dest uint32, configType pb.AdminMessage_ModuleConfigType) (*pb.ModuleConfig, error) {
	m.clearAdminResponse(dest)
	err := m.sendAdmin(dest, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_GetModuleConfigRequest{GetModuleConfigRequest: configType},
	}, true)
	if err != nil {
		return nil, err
	}

	deadline := m.now().Add(adminPollTimeout)
	for m.now().Before(deadline) {
		time.Sleep(adminPollInterval)
		admin := m.takeAdminResponse(dest)
		if admin == nil {
			continue
		}
		if cfg := admin.GetGetModuleConfigResponse(); cfg != nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("module config response from %s not available", models.NodeIDFromNum(dest))
}

func (m *Manager) localDest() (uint32, error) {
	local, ok := m.session.NodeNum()
	if !ok {
		return 0, fmt.Errorf("local node identity is not known yet")
	}
	return local, nil
}

// SetDeviceConfig writes the device config section to the local radio.
func (m *Manager) SetDeviceConfig(cfg *pb.Config_DeviceConfig) error {
	local, err := m.localDest()
	if err != nil {
		return err
	}
	return m.sendAdmin(local, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_SetConfig{
			SetConfig: &pb.Config{PayloadVariant: &pb.Config_Device{Device: normalizeDeviceConfig(cfg)}},
		},
	}, false)
}

// SetLoraConfig writes the LoRa config section to the local radio.
func (m *Manager) SetLoraConfig(cfg *pb.Config_LoRaConfig) error {
	cfg = normalizeLoraConfig(cfg)
	if cfg.GetHopLimit() > 7 {
		return fmt.Errorf("hop limit %d out of range", cfg.GetHopLimit())
	}
	if cfg.GetTxPower() < 0 || cfg.GetTxPower() > 30 {
		return fmt.Errorf("tx power %d out of range", cfg.GetTxPower())
	}
	local, err := m.localDest()
	if err != nil {
		return err
	}
	return m.sendAdmin(local, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_SetConfig{
			SetConfig: &pb.Config{PayloadVariant: &pb.Config_Lora{Lora: cfg}},
		},
	}, false)
}

// SetPositionConfig writes the position config section to the local radio.
func (m *Manager) SetPositionConfig(cfg *pb.Config_PositionConfig) error {
	local, err := m.localDest()
	if err != nil {
		return err
	}
	return m.sendAdmin(local, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_SetConfig{
			SetConfig: &pb.Config{PayloadVariant: &pb.Config_Position{Position: normalizePositionConfig(cfg)}},
		},
	}, false)
}

// SetMQTTConfig writes the MQTT module section to the local radio.
func (m *Manager) SetMQTTConfig(cfg *pb.ModuleConfig_MQTTConfig) error {
	local, err := m.localDest()
	if err != nil {
		return err
	}
	return m.sendAdmin(local, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_SetModuleConfig{
			SetModuleConfig: &pb.ModuleConfig{PayloadVariant: &pb.ModuleConfig_Mqtt{Mqtt: normalizeMQTTConfig(cfg)}},
		},
	}, false)
}

// SetNeighborInfoConfig writes the neighbor-info module section to the
// local radio.
func (m *Manager) SetNeighborInfoConfig(cfg *pb.ModuleConfig_NeighborInfoConfig) error {
	local, err := m.localDest()
	if err != nil {
		return err
	}
	return m.sendAdmin(local, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_SetModuleConfig{
			SetModuleConfig: &pb.ModuleConfig{
				PayloadVariant: &pb.ModuleConfig_NeighborInfo{NeighborInfo: normalizeNeighborInfoConfig(cfg)},
			},
		},
	}, false)
}

// SetFavorite flags a node as favorite on the device and in the store.
func (m *Manager) SetFavorite(nodeNum uint32, favorite bool) error {
	local, err := m.localDest()
	if err != nil {
		return err
	}

	admin := &pb.AdminMessage{}
	if favorite {
		admin.PayloadVariant = &pb.AdminMessage_SetFavoriteNode{SetFavoriteNode: nodeNum}
	} else {
		admin.PayloadVariant = &pb.AdminMessage_RemoveFavoriteNode{RemoveFavoriteNode: nodeNum}
	}
	if err := m.sendAdmin(local, admin, false); err != nil {
		return err
	}
	return m.stores.Nodes.SetFavorite(nodeNum, favorite)
}

// SetIgnored flags a node as ignored on the device and in the store.
func (m *Manager) SetIgnored(nodeNum uint32, ignored bool) error {
	local, err := m.localDest()
	if err != nil {
		return err
	}

	admin := &pb.AdminMessage{}
	if ignored {
		admin.PayloadVariant = &pb.AdminMessage_SetIgnoredNode{SetIgnoredNode: nodeNum}
	} else {
		admin.PayloadVariant = &pb.AdminMessage_RemoveIgnoredNode{RemoveIgnoredNode: nodeNum}
	}
	if err := m.sendAdmin(local, admin, false); err != nil {
		return err
	}
	return m.stores.Nodes.SetIgnored(nodeNum, ignored)
}

// RemoveNode removes a node from the device's NodeDB and the store.
func (m *Manager) RemoveNode(nodeNum uint32) error {
	local, err := m.localDest()
	if err != nil {
		return err
	}
	err = m.sendAdmin(local, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_RemoveByNodenum{RemoveByNodenum: nodeNum},
	}, false)
	if err != nil {
		return err
	}
	return m.stores.Nodes.DeleteNode(nodeNum)
}

// Reboot restarts the local radio after a short delay.
func (m *Manager) Reboot() error {
	local, err := m.localDest()
	if err != nil {
		return err
	}
	return m.sendAdmin(local, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_RebootSeconds{RebootSeconds: 5},
	}, false)
}

// PurgeNodeDB wipes the device's internal node table. The bridge's own
// records are kept.
func (m *Manager) PurgeNodeDB() error {
	local, err := m.localDest()
	if err != nil {
		return err
	}
	return m.sendAdmin(local, &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_NodedbReset{NodedbReset: true},
	}, false)
}
