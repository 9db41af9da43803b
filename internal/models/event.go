package models

// Event types carried on the live stream.
const (
	EventRX        = "rx"
	EventTX        = "tx"
	EventInterface = "interface"
	EventRecording = "recording"
	EventFault     = "fault"
)

// Event is one item on the live event stream. Events are immutable once
// created; their ordering is the order of emission.
type Event struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`

	// Frame fields, set for rx/tx/fault traffic.
	ID   uint32 `json:"id,omitempty"`
	DLC  uint8  `json:"dlc,omitempty"`
	Data []int  `json:"data,omitempty"`

	// Schema context.
	Message string         `json:"message,omitempty"`
	Decoded map[string]any `json:"decoded,omitempty"`

	// Task context.
	TaskKey  string `json:"taskKey,omitempty"`
	PeriodMs int    `json:"periodMs,omitempty"`

	// Chaser context.
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`

	// Fault injection context.
	FaultType string `json:"faultType,omitempty"`
	Sent      int    `json:"sent,omitempty"`
	Total     int    `json:"total,omitempty"`

	// Interface / recording lifecycle payloads.
	State  string `json:"state,omitempty"`
	Status any    `json:"status,omitempty"`
	Record any    `json:"record,omitempty"`
}

// DataInts converts payload bytes to the JSON-friendly int slice used in
// event and recording documents.
func DataInts(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}

// DataBytes converts a recorded int slice back to raw payload bytes.
func DataBytes(data []int) []byte {
	out := make([]byte, len(data))
	for i, v := range data {
		out[i] = byte(v)
	}
	return out
}

// SocketCANStats represents link-level statistics for a SocketCAN interface
type SocketCANStats struct {
	Interface string  `json:"interface"`
	Timestamp float64 `json:"timestamp"`

	State    string `json:"state"`
	Bitrate  int    `json:"bitrate"`
	BusState string `json:"bus_state"`

	RXPackets uint64 `json:"rx_packets"`
	RXBytes   uint64 `json:"rx_bytes"`
	RXErrors  uint64 `json:"rx_errors"`
	RXDropped uint64 `json:"rx_dropped"`

	TXPackets uint64 `json:"tx_packets"`
	TXBytes   uint64 `json:"tx_bytes"`
	TXErrors  uint64 `json:"tx_errors"`
	TXDropped uint64 `json:"tx_dropped"`

	BusErrorCounter int `json:"bus_error_counter"`
	RXErrorCounter  int `json:"rx_error_counter"`
	TXErrorCounter  int `json:"tx_error_counter"`
}
