package models

// Channel roles mirroring the radio's channel table.
const (
	ChannelRoleDisabled  = "disabled"
	ChannelRolePrimary   = "primary"
	ChannelRoleSecondary = "secondary"
)

// Channel is one of the radio's eight channel slots. Exactly one channel
// may hold the primary role; by convention that is index 0.
type Channel struct {
	Index int    `db:"idx"`
	Name  string `db:"name"`
	// HasPSK marks channels configured with a non-default pre-shared key.
	HasPSK          bool   `db:"has_psk"`
	Role            string `db:"role"`
	UplinkEnabled   bool   `db:"uplink_enabled"`
	DownlinkEnabled bool   `db:"downlink_enabled"`
	// PositionPrecision is the channel's position-precision setting, if set.
	PositionPrecision *int64 `db:"position_precision"`
}
