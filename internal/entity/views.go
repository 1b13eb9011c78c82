// ABOUTME: Client-facing charger and car view types
// ABOUTME: Optional fields are pointers so absent states are omitted from JSON

package entity

// ChargerView is the externally visible state of one charger.
type ChargerView struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Connected       bool    `json:"connected"`
	Status          string  `json:"status"`
	ChargingCurrent float64 `json:"chargingCurrent"`
	CurrentPower    float64 `json:"currentPower"`

	// Present only when the device declares the state
	Version          *string  `json:"version,omitempty"`
	SessionEnergy    *float64 `json:"sessionEnergy,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	ChargingPhases   *float64 `json:"chargingPhases,omitempty"`
	DigitalInputMode *float64 `json:"digitalInputMode,omitempty"`

	// Present only when the energy manager has an entry for this charger
	AssignedCarID     string `json:"assignedCarId,omitempty"`
	AssignedCar       string `json:"assignedCar,omitempty"`
	EnergyManagerMode any    `json:"energyManagerMode,omitempty"`
}

// CarView is the externally visible state of one car.
type CarView struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	BatteryLevel       *float64 `json:"batteryLevel,omitempty"`
	Capacity           *float64 `json:"capacity,omitempty"`
	MinChargingCurrent *float64 `json:"minChargingCurrent,omitempty"`
}
