package models

// ConnectionStatus is the bridge's view of the radio link, exposed on the
// command surface for the dashboard.
type ConnectionStatus struct {
	Connected bool `json:"connected"`
	// NodeResponsive is false once the stale-connection watchdog has not
	// seen a frame within the configured timeout.
	NodeResponsive bool `json:"nodeResponsive"`
	// Configuring is true between connect and the config-complete frame.
	Configuring bool `json:"configuring"`
	// UserDisconnected is true when the user explicitly disconnected;
	// auto-reconnect is suppressed until the next connect request.
	UserDisconnected bool `json:"userDisconnected"`
}
