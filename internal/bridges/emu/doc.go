// Package emu bridges a Rainforest EMU-2 energy monitor to an MQTT bus.
//
// The device speaks a line-oriented XML dialect over a USB serial port.
// Unsolicited and requested responses arrive as multi-line fragments:
//
//	<InstantaneousDemand>
//	  <DeviceMacId>0xd8d5b9000000xxxx</DeviceMacId>
//	  <Demand>0x0004d2</Demand>
//	  ...
//	</InstantaneousDemand>
//
// and commands are single-line fragments:
//
//	<Command><Name>get_time</Name></Command>
//
// # Pipeline
//
//	serial ─► Session ─► Assembler ─► Decode ─► Facts
//	                                     │
//	                                     ▼
//	                              to-bus queue ─► bus writer ─► MQTT
//
//	MQTT ─► handleBusMessage ─► to-device queue ─► device writer ─► Session
//
// Pollers and the bus workflows (reinitialize, price set, period close)
// enqueue encoded commands; the Session paces writes so the device never
// receives two commands closer together than the write pacing.
//
// # Decoding
//
// Field names are converted to snake_case and values are decoded per
// response kind. Metered quantities are scaled by multiplier, divisor and
// digits right; device timestamps are corrected by the clock offset from
// the latest TimeCluster.
//
// # Liveness
//
// Every device link transition publishes {"connected": bool, "datetime": ...}
// on <prefix>/status and syncs an optional marker file used by container
// health checks.
package emu
