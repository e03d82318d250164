package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/kabili207/mesh-node-bridge/pkg/models"
	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

// credentialTTL is the validity window for admin session passkeys. The
// radio expires them at 300 seconds; we drop them slightly earlier so a
// passkey is never presented right at the edge of its lifetime.
const credentialTTL = 290 * time.Second

const localIdentitySetting = "local_identity"

type identityState int

const (
	identityUnknown identityState = iota
	identityProvisional
	identityLocked
)

// LocalIdentity describes the radio this bridge is connected to.
type LocalIdentity struct {
	NodeNum         uint32 `json:"nodeNum"`
	NodeID          string `json:"nodeId"`
	LongName        string `json:"longName"`
	ShortName       string `json:"shortName"`
	HwModel         string `json:"hwModel"`
	FirmwareVersion string `json:"firmwareVersion"`
	RebootCount     uint32 `json:"rebootCount"`
}

// Session tracks the local node identity and short-lived admin
// credentials. The identity starts unknown, becomes provisional from the
// bootstrap MyInfo frame and locks once a NodeInfo frame carries real
// names for the local node. A locked identity never changes names again;
// only volatile fields such as reboot count and firmware version refresh.
type Session struct {
	log      *slog.Logger
	settings store.SettingStore

	mu    sync.RWMutex
	state identityState
	local LocalIdentity

	creds *ttlcache.Cache[uint32, credential]
	now   func() time.Time
}

type credential struct {
	key       []byte
	expiresAt time.Time
}

func NewSession(settings store.SettingStore, log *slog.Logger) *Session {
	creds := ttlcache.New[uint32, credential](
		ttlcache.WithTTL[uint32, credential](credentialTTL),
		ttlcache.WithDisableTouchOnHit[uint32, credential](),
	)
	go creds.Start()

	return &Session{
		log:      log,
		settings: settings,
		creds:    creds,
		now:      time.Now,
	}
}

// Restore loads a previously persisted identity, if any. A restored
// identity is provisional: the next NodeInfo for the node may still
// update it before it locks.
func (s *Session) Restore() error {
	raw, ok, err := s.settings.Get(localIdentitySetting)
	if err != nil {
		return fmt.Errorf("failed to load local identity: %w", err)
	}
	if !ok {
		return nil
	}

	var local LocalIdentity
	if err := json.Unmarshal([]byte(raw), &local); err != nil {
		return fmt.Errorf("failed to parse stored local identity: %w", err)
	}

	s.mu.Lock()
	s.local = local
	s.state = identityProvisional
	s.mu.Unlock()

	s.log.Info("restored local identity", "nodeId", local.NodeID, "longName", local.LongName)
	return nil
}

// ApplyBootstrap records the node number from the MyInfo frame of a
// configuration cycle. Once locked only the reboot counter refreshes.
func (s *Session) ApplyBootstrap(nodeNum uint32, rebootCount uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == identityLocked {
		if s.local.NodeNum != nodeNum {
			s.log.Warn("radio reported a different node number than the locked identity",
				"locked", s.local.NodeID, "reported", models.NodeIDFromNum(nodeNum))
			return
		}
		s.local.RebootCount = rebootCount
		return
	}

	s.local.NodeNum = nodeNum
	s.local.NodeID = models.NodeIDFromNum(nodeNum)
	s.local.RebootCount = rebootCount
	if s.state == identityUnknown {
		s.state = identityProvisional
	}
}

// ApplyNodeInfo updates the local identity from a NodeInfo frame. Frames
// for other nodes are ignored here. The identity locks as soon as the
// radio reports non-default names for itself.
func (s *Session) ApplyNodeInfo(nodeNum uint32, longName, shortName, hwModel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == identityUnknown || s.local.NodeNum != nodeNum {
		return
	}
	if s.state == identityLocked {
		return
	}

	if longName != "" {
		s.local.LongName = longName
	}
	if shortName != "" {
		s.local.ShortName = shortName
	}
	if hwModel != "" {
		s.local.HwModel = hwModel
	}

	if s.local.LongName != "" && !models.HasDefaultName(s.local.LongName, s.local.NodeNum) {
		s.state = identityLocked
		s.log.Info("local identity locked",
			"nodeId", s.local.NodeID, "longName", s.local.LongName, "shortName", s.local.ShortName)
		s.persistLocked()
	}
}

// SetFirmwareVersion refreshes the firmware version. Allowed in any state.
func (s *Session) SetFirmwareVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version != "" {
		s.local.FirmwareVersion = version
	}
}

// Local returns the current identity and whether anything is known yet.
func (s *Session) Local() (LocalIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local, s.state != identityUnknown
}

// NodeNum returns the local node number if known.
func (s *Session) NodeNum() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local.NodeNum, s.state != identityUnknown
}

// Locked reports whether the identity has been confirmed by the radio.
func (s *Session) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == identityLocked
}

// caller must hold s.mu
func (s *Session) persistLocked() {
	raw, err := json.Marshal(s.local)
	if err != nil {
		s.log.Error("failed to serialize local identity", "error", err)
		return
	}
	if err := s.settings.Set(localIdentitySetting, string(raw)); err != nil {
		s.log.Error("failed to persist local identity", "error", err)
	}
}

// Clear forgets the in-memory identity so the radio must re-prove
// itself next session. The last known identity is persisted first so it
// can be provisionally restored if the bootstrap frame never arrives.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != identityUnknown {
		s.persistLocked()
	}
	s.local = LocalIdentity{}
	s.state = identityUnknown
}

// SetPasskey stores an admin session passkey for the given node.
func (s *Session) SetPasskey(nodeNum uint32, key []byte) {
	if len(key) == 0 {
		return
	}
	cred := credential{
		key:       append([]byte(nil), key...),
		expiresAt: s.now().Add(credentialTTL),
	}
	s.creds.Set(nodeNum, cred, credentialTTL)
	s.log.Debug("stored admin session passkey", "nodeId", models.NodeIDFromNum(nodeNum))
}

// Passkey returns a still-valid admin session passkey for the node.
// Expired entries are evicted and reported as missing.
func (s *Session) Passkey(nodeNum uint32) ([]byte, bool) {
	item := s.creds.Get(nodeNum)
	if item == nil {
		return nil, false
	}
	cred := item.Value()
	if !s.now().Before(cred.expiresAt) {
		s.creds.Delete(nodeNum)
		return nil, false
	}
	return cred.key, true
}

// Close stops the credential janitor.
func (s *Session) Close() {
	s.creds.Stop()
}
