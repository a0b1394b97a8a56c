package aggregator

// CostConfig holds the economic constants behind the per-bucket cost
// figure. All values are PLN per hour.
type CostConfig struct {
	VOTPerHour        float64
	DriverWagePerHour float64
	EnergyPerHour     float64
}

// DefaultCostConfig returns the Warsaw defaults.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		VOTPerHour:        22,
		DriverWagePerHour: 80,
		EnergyPerHour:     5,
	}
}

// Passengers estimates the onboard load for an hour of day.
func Passengers(hour int) int {
	switch {
	case hour == 7 || hour == 8 || (hour >= 15 && hour <= 17):
		return 150
	case (hour >= 9 && hour <= 14) || (hour >= 18 && hour <= 21):
		return 50
	default:
		return 10
	}
}

// Cost converts delay seconds in a given hour of day into PLN: passenger
// time valued at VOT, plus driver wage and traction energy.
func (c CostConfig) Cost(totalSeconds int, hour int) float64 {
	perHour := float64(Passengers(hour))*c.VOTPerHour + c.DriverWagePerHour + c.EnergyPerHour
	return float64(totalSeconds) / 3600 * perHour
}
