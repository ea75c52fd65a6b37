// Package orientation encodes and decodes the navigation module's 6-byte
// Euler angle record.
//
// Each angle is a signed 16-bit big-endian fixed-point value holding
// degrees × 100, giving 0.01° resolution over [-327.68, 327.67]. A record
// is yaw‖pitch‖roll. The relay forwards records opaquely; this package is
// for tools and tests that need to read or produce them.
package orientation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// RecordSize is the length in bytes of one packed orientation record.
const RecordSize = 6

const (
	scale  = 100.0
	rawMin = math.MinInt16
	rawMax = math.MaxInt16
)

// ErrPayloadLength is returned when a record is not exactly RecordSize bytes.
var ErrPayloadLength = errors.New("orientation: payload must be 6 bytes")

// Orientation holds yaw, pitch and roll in degrees.
type Orientation struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Raw converts degrees to the clamped fixed-point wire value.
func Raw(degrees float64) int16 {
	v := math.Round(degrees * scale)
	switch {
	case math.IsNaN(v):
		return 0
	case v > rawMax:
		return rawMax
	case v < rawMin:
		return rawMin
	}
	return int16(v)
}

// PackAngle packs degrees into two big-endian bytes.
func PackAngle(degrees float64) [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(Raw(degrees)))
	return b
}

// UnpackAngle decodes two big-endian bytes back to degrees.
func UnpackAngle(b [2]byte) float64 {
	return float64(int16(binary.BigEndian.Uint16(b[:]))) / scale
}

// PackOrientation packs three angles into a 6-byte record.
func PackOrientation(yaw, pitch, roll float64) [RecordSize]byte {
	var out [RecordSize]byte
	for i, deg := range [3]float64{yaw, pitch, roll} {
		a := PackAngle(deg)
		out[2*i] = a[0]
		out[2*i+1] = a[1]
	}
	return out
}

// UnpackOrientation decodes a 6-byte record.
func UnpackOrientation(data []byte) (Orientation, error) {
	if len(data) != RecordSize {
		return Orientation{}, fmt.Errorf("%w: got %d", ErrPayloadLength, len(data))
	}
	return Orientation{
		Yaw:   UnpackAngle([2]byte{data[0], data[1]}),
		Pitch: UnpackAngle([2]byte{data[2], data[3]}),
		Roll:  UnpackAngle([2]byte{data[4], data[5]}),
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (o Orientation) MarshalBinary() ([]byte, error) {
	b := PackOrientation(o.Yaw, o.Pitch, o.Roll)
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (o *Orientation) UnmarshalBinary(data []byte) error {
	v, err := UnpackOrientation(data)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

func (o Orientation) String() string {
	return fmt.Sprintf("yaw=%.2f pitch=%.2f roll=%.2f", o.Yaw, o.Pitch, o.Roll)
}
