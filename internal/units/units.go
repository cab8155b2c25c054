// Package units converts the engine's native speeds (metres per second
// when calibrated) into display units at the API and report edges.
package units

// Conversion factors from metres per second.
const (
	MetersPerSecondToMPH  = 2.23694
	MetersPerSecondToKMPH = 3.6
)

// ConvertSpeed converts a speed in m/s to the target unit. Unknown units
// pass the value through unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case "mph":
		return speedMPS * MetersPerSecondToMPH
	case "kmph", "kph":
		return speedMPS * MetersPerSecondToKMPH
	case "mps":
		return speedMPS
	default:
		return speedMPS
	}
}

// Valid reports whether the unit name is one the API accepts.
func Valid(units string) bool {
	switch units {
	case "mps", "mph", "kmph", "kph":
		return true
	default:
		return false
	}
}
