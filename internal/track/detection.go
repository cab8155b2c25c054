package track

import "github.com/roadwatch/trafficcount/internal/geom"

// Class is the vehicle class reported by the upstream detector.
type Class string

const (
	ClassCar        Class = "car"
	ClassTruck      Class = "truck"
	ClassBus        Class = "bus"
	ClassMotorcycle Class = "motorcycle"
)

// Detection is one detector output for one frame. Detections are
// ephemeral: they exist only while that frame is being processed.
type Detection struct {
	Box        geom.Box `json:"box"`
	Class      Class    `json:"class"`
	Confidence float64  `json:"confidence"`
}

// Valid reports whether the detection's box has positive dimensions.
// Malformed detections are dropped with a warning, never propagated as a
// job failure.
func (d Detection) Valid() bool {
	return d.Box.Valid()
}
