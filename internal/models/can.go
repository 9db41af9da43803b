package models

// CANFrame represents a CAN 2.0 frame
type CANFrame struct {
	ID         uint32
	DLC        uint8
	Data       [8]byte
	IsExtended bool
}

// Payload returns the DLC-sized slice of the frame data
func (f *CANFrame) Payload() []byte {
	dlc := int(f.DLC)
	if dlc > len(f.Data) {
		dlc = len(f.Data)
	}
	return f.Data[:dlc]
}

// CANMessage includes the CAN frame, its capture timestamp (Unix seconds)
// and the interface it was seen on
type CANMessage struct {
	Frame     CANFrame
	Timestamp float64
	Interface string
}
