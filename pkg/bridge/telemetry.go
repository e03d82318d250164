package bridge

import (
	pb "github.com/kabili207/meshtastic-go/core/proto"
)

// Telemetry variants are flattened into independent samples so each
// metric gets its own history. Fields the sender did not populate are
// skipped rather than recorded as zero.

type telemetryField struct {
	name  string
	value float64
	unit  string
}

func deviceMetricFields(m *pb.DeviceMetrics) []telemetryField {
	var fields []telemetryField
	if m.BatteryLevel != nil {
		fields = append(fields, telemetryField{"battery_level", float64(m.GetBatteryLevel()), "%"})
	}
	if m.Voltage != nil {
		fields = append(fields, telemetryField{"voltage", float64(m.GetVoltage()), "V"})
	}
	if m.ChannelUtilization != nil {
		fields = append(fields, telemetryField{"channel_utilization", float64(m.GetChannelUtilization()), "%"})
	}
	if m.AirUtilTx != nil {
		fields = append(fields, telemetryField{"air_util_tx", float64(m.GetAirUtilTx()), "%"})
	}
	if m.UptimeSeconds != nil {
		fields = append(fields, telemetryField{"uptime", float64(m.GetUptimeSeconds()), "s"})
	}
	return fields
}

func environmentMetricFields(m *pb.EnvironmentMetrics) []telemetryField {
	var fields []telemetryField
	if m.Temperature != nil {
		fields = append(fields, telemetryField{"temperature", float64(m.GetTemperature()), "°C"})
	}
	if m.RelativeHumidity != nil {
		fields = append(fields, telemetryField{"relative_humidity", float64(m.GetRelativeHumidity()), "%"})
	}
	if m.BarometricPressure != nil {
		fields = append(fields, telemetryField{"barometric_pressure", float64(m.GetBarometricPressure()), "hPa"})
	}
	if m.GasResistance != nil {
		fields = append(fields, telemetryField{"gas_resistance", float64(m.GetGasResistance()), "MΩ"})
	}
	if m.Voltage != nil {
		fields = append(fields, telemetryField{"voltage", float64(m.GetVoltage()), "V"})
	}
	if m.Current != nil {
		fields = append(fields, telemetryField{"current", float64(m.GetCurrent()), "mA"})
	}
	if m.Iaq != nil {
		fields = append(fields, telemetryField{"iaq", float64(m.GetIaq()), ""})
	}
	if m.Lux != nil {
		fields = append(fields, telemetryField{"lux", float64(m.GetLux()), "lx"})
	}
	return fields
}

func powerMetricFields(m *pb.PowerMetrics) []telemetryField {
	var fields []telemetryField
	if m.Ch1Voltage != nil {
		fields = append(fields, telemetryField{"ch1_voltage", float64(m.GetCh1Voltage()), "V"})
	}
	if m.Ch1Current != nil {
		fields = append(fields, telemetryField{"ch1_current", float64(m.GetCh1Current()), "mA"})
	}
	if m.Ch2Voltage != nil {
		fields = append(fields, telemetryField{"ch2_voltage", float64(m.GetCh2Voltage()), "V"})
	}
	if m.Ch2Current != nil {
		fields = append(fields, telemetryField{"ch2_current", float64(m.GetCh2Current()), "mA"})
	}
	if m.Ch3Voltage != nil {
		fields = append(fields, telemetryField{"ch3_voltage", float64(m.GetCh3Voltage()), "V"})
	}
	if m.Ch3Current != nil {
		fields = append(fields, telemetryField{"ch3_current", float64(m.GetCh3Current()), "mA"})
	}
	return fields
}

func airQualityMetricFields(m *pb.AirQualityMetrics) []telemetryField {
	var fields []telemetryField
	if m.Pm10Standard != nil {
		fields = append(fields, telemetryField{"pm10_standard", float64(m.GetPm10Standard()), "µg/m³"})
	}
	if m.Pm25Standard != nil {
		fields = append(fields, telemetryField{"pm25_standard", float64(m.GetPm25Standard()), "µg/m³"})
	}
	if m.Pm100Standard != nil {
		fields = append(fields, telemetryField{"pm100_standard", float64(m.GetPm100Standard()), "µg/m³"})
	}
	if m.Pm10Environmental != nil {
		fields = append(fields, telemetryField{"pm10_environmental", float64(m.GetPm10Environmental()), "µg/m³"})
	}
	if m.Pm25Environmental != nil {
		fields = append(fields, telemetryField{"pm25_environmental", float64(m.GetPm25Environmental()), "µg/m³"})
	}
	if m.Pm100Environmental != nil {
		fields = append(fields, telemetryField{"pm100_environmental", float64(m.GetPm100Environmental()), "µg/m³"})
	}
	return fields
}

func localStatsFields(m *pb.LocalStats) []telemetryField {
	return []telemetryField{
		{"uptime", float64(m.GetUptimeSeconds()), "s"},
		{"channel_utilization", float64(m.GetChannelUtilization()), "%"},
		{"air_util_tx", float64(m.GetAirUtilTx()), "%"},
		{"packets_tx", float64(m.GetNumPacketsTx()), ""},
		{"packets_rx", float64(m.GetNumPacketsRx()), ""},
		{"packets_rx_bad", float64(m.GetNumPacketsRxBad()), ""},
		{"nodes_online", float64(m.GetNumOnlineNodes()), ""},
		{"nodes_total", float64(m.GetNumTotalNodes()), ""},
	}
}

func hostMetricFields(m *pb.HostMetrics) []telemetryField {
	return []telemetryField{
		{"uptime", float64(m.GetUptimeSeconds()), "s"},
		{"free_memory", float64(m.GetFreememBytes()), "B"},
		{"disk_free", float64(m.GetDiskfree1Bytes()), "B"},
		{"load1", float64(m.GetLoad1()) / 100, ""},
	}
}
