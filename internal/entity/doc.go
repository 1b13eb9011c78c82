// Package entity builds the charger and car views sent to dashboard clients.
//
// A charger view joins two sources that share the charger id: the device
// record from the things mirror, and the entry the energy manager keeps for
// that charger (keyed by evChargerId). Device fields are always present.
// Optional device fields (version, temperature, ...) appear only when the
// device declares the state. Energy manager fields appear only while the
// energy manager mirror holds an entry for the charger, so they disappear as
// soon as the entry is removed or the energy manager goes away.
//
// Views are never cached; every call reads the current mirror snapshots.
package entity
