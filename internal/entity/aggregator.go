// ABOUTME: Joins device state with energy manager metadata into charger and car views
// ABOUTME: Reads only from in-memory mirrors, never from a backend directly

package entity

import (
	"slices"
	"sort"

	"github.com/2389/evdash-gateway/internal/backend"
)

// Kind classifies a device record.
type Kind string

const (
	KindCharger Kind = "charger"
	KindCar     Kind = "car"
	KindOther   Kind = ""
)

// Interface names devices declare in their "interfaces" list.
const (
	interfaceCharger = "evcharger"
	interfaceCar     = "electricvehicle"
)

// Device record fields.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldType       = "type"
	fieldInterfaces = "interfaces"
	fieldStates     = "states"
)

// Energy manager record fields.
const (
	fieldChargerID     = "evChargerId"
	fieldAssignedCarID = "assignedCarId"
	fieldChargingMode  = "chargingMode"
)

// Source is a read-only mirror such as backend.Client.
type Source interface {
	Snapshot() []backend.Record
	Get(id string) (backend.Record, bool)
}

// Aggregator builds views from a device mirror and an energy manager mirror.
// Views are recomputed on every call.
type Aggregator struct {
	devices Source
	energy  Source
}

// NewAggregator creates an Aggregator. energy may be nil.
func NewAggregator(devices, energy Source) *Aggregator {
	return &Aggregator{devices: devices, energy: energy}
}

// KindOf classifies a device record by its "type" or declared interfaces.
func KindOf(device backend.Record) Kind {
	switch Kind(device.String(fieldType)) {
	case KindCharger:
		return KindCharger
	case KindCar:
		return KindCar
	}
	ifaces, _ := device[fieldInterfaces].([]any)
	for _, v := range ifaces {
		switch v {
		case interfaceCharger:
			return KindCharger
		case interfaceCar:
			return KindCar
		}
	}
	return KindOther
}

// Chargers returns a view for every charger device, ordered by name then id.
func (a *Aggregator) Chargers() []ChargerView {
	views := []ChargerView{}
	for _, device := range a.devices.Snapshot() {
		if KindOf(device) == KindCharger {
			views = append(views, a.BuildCharger(device))
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Name != views[j].Name {
			return views[i].Name < views[j].Name
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// Charger returns the view of one charger.
func (a *Aggregator) Charger(id string) (ChargerView, bool) {
	device, ok := a.devices.Get(id)
	if !ok || KindOf(device) != KindCharger {
		return ChargerView{}, false
	}
	return a.BuildCharger(device), true
}

// Cars returns a view for every car device, ordered by name then id.
func (a *Aggregator) Cars() []CarView {
	views := []CarView{}
	for _, device := range a.devices.Snapshot() {
		if KindOf(device) == KindCar {
			views = append(views, BuildCar(device))
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Name != views[j].Name {
			return views[i].Name < views[j].Name
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// Car returns the view of one car.
func (a *Aggregator) Car(id string) (CarView, bool) {
	device, ok := a.devices.Get(id)
	if !ok || KindOf(device) != KindCar {
		return CarView{}, false
	}
	return BuildCar(device), true
}

// CarIDs returns the ids of all known cars.
func (a *Aggregator) CarIDs() []string {
	var ids []string
	for _, device := range a.devices.Snapshot() {
		if KindOf(device) == KindCar {
			ids = append(ids, device.String(fieldID))
		}
	}
	return ids
}

// ChargersAssignedTo returns the ids of chargers the energy manager has
// assigned carID to.
func (a *Aggregator) ChargersAssignedTo(carID string) []string {
	if a.energy == nil || carID == "" {
		return nil
	}
	var ids []string
	for _, info := range a.energy.Snapshot() {
		if info.String(fieldAssignedCarID) == carID {
			ids = append(ids, info.String(fieldChargerID))
		}
	}
	slices.Sort(ids)
	return ids
}

// BuildCharger joins a charger device record with its energy manager entry,
// if one exists.
func (a *Aggregator) BuildCharger(device backend.Record) ChargerView {
	states := backend.Record(device.Map(fieldStates))

	view := ChargerView{
		ID:               device.String(fieldID),
		Name:             device.String(fieldName),
		Connected:        boolState(states, "connected"),
		Status:           chargerStatus(states),
		ChargingCurrent:  floatState(states, "maxChargingCurrent"),
		CurrentPower:     floatState(states, "currentPower"),
		Version:          optionalString(states, "firmwareVersion"),
		SessionEnergy:    optionalFloat(states, "sessionEnergy"),
		Temperature:      optionalFloat(states, "temperature"),
		ChargingPhases:   optionalFloat(states, "phaseCount"),
		DigitalInputMode: optionalFloat(states, "digitalInputMode"),
	}

	if a.energy == nil {
		return view
	}
	info, ok := a.energy.Get(view.ID)
	if !ok {
		return view
	}

	view.AssignedCarID = info.String(fieldAssignedCarID)
	if view.AssignedCarID != "" {
		if car, ok := a.devices.Get(view.AssignedCarID); ok {
			view.AssignedCar = car.String(fieldName)
		}
	}
	if mode, ok := info[fieldChargingMode]; ok && mode != nil {
		view.EnergyManagerMode = mode
	}
	return view
}

// BuildCar builds the view of a car device record.
func BuildCar(device backend.Record) CarView {
	states := backend.Record(device.Map(fieldStates))
	return CarView{
		ID:                 device.String(fieldID),
		Name:               device.String(fieldName),
		BatteryLevel:       optionalFloat(states, "batteryLevel"),
		Capacity:           optionalFloat(states, "capacity"),
		MinChargingCurrent: optionalFloat(states, "minChargingCurrent"),
	}
}

// chargerStatus prefers an explicit status state and otherwise derives one
// from the plug and charging states.
func chargerStatus(states backend.Record) string {
	if s := states.String("status"); s != "" {
		return s
	}
	switch {
	case boolState(states, "charging"):
		return "charging"
	case boolState(states, "pluggedIn"):
		return "pluggedIn"
	case boolState(states, "connected"):
		return "idle"
	default:
		return "disconnected"
	}
}

func boolState(states backend.Record, name string) bool {
	b, _ := states.Bool(name)
	return b
}

func floatState(states backend.Record, name string) float64 {
	f, _ := states.Float(name)
	return f
}

// optionalFloat returns nil unless the device declares the state.
func optionalFloat(states backend.Record, name string) *float64 {
	f, ok := states.Float(name)
	if !ok {
		return nil
	}
	return &f
}

func optionalString(states backend.Record, name string) *string {
	v, ok := states[name]
	if !ok || v == nil {
		return nil
	}
	s := states.String(name)
	return &s
}
