package sample

import (
	"math/rand"
	"time"
)

// MockSource generates synthetic samples for bring-up and testing, standing
// in for the real accelerometer/gyro/GPS stack (out of scope per spec.md
// §1). It mirrors the reference Python implementation's mock GPS generator:
// a fixed accel/gyro baseline jittered by independent Gaussian noise on each
// sample, and GPS
// coordinates drawn uniformly from a bounding box.
type MockSource struct {
	rng *rand.Rand

	LatMin, LatMax float64
	LonMin, LonMax float64
	Altitude       float64

	clock func() time.Time
}

// NewMockSource builds a MockSource seeded deterministically so tests can
// reproduce a sequence.
func NewMockSource(seed int64) *MockSource {
	return &MockSource{
		rng:      rand.New(rand.NewSource(seed)),
		LatMin:   33.0,
		LatMax:   38.0,
		LonMin:   126.0,
		LonMax:   130.0,
		Altitude: 30.0,
		clock:    time.Now,
	}
}

func (m *MockSource) Sample() (Sample, error) {
	now := m.clock().UTC()
	ts := float64(now.UnixNano()) / 1e9

	return Sample{
		TimestampUnix: ts,
		AccelX:        round3(m.rng.NormFloat64() * 0.02),
		AccelY:        round3(m.rng.NormFloat64() * 0.02),
		AccelZ:        round3(1.0 + m.rng.NormFloat64()*0.02),
		GyroX:         round1(m.rng.NormFloat64() * 1.5),
		GyroY:         round1(m.rng.NormFloat64() * 1.5),
		GyroZ:         round1(m.rng.NormFloat64() * 1.5),
		Roll:          round1(m.rng.NormFloat64() * 2.0),
		Pitch:         round1(m.rng.NormFloat64() * 2.0),
		Yaw:           round1(m.rng.NormFloat64() * 180),
		Lat:           m.LatMin + m.rng.Float64()*(m.LatMax-m.LatMin),
		Lon:           m.LonMin + m.rng.Float64()*(m.LonMax-m.LonMin),
		Alt:           m.Altitude + round1(m.rng.NormFloat64()*0.5),
	}, nil
}

func round1(v float64) float64 { return float64(int(v*10)) / 10 }
func round3(v float64) float64 { return float64(int(v*1000)) / 1000 }
