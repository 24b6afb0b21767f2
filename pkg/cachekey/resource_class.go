// Package cachekey derives deterministic, tenant-isolated cache keys for
// clinical resources. Point lookups key on the resource id; search lookups
// key on a canonical hash of the normalized filter, so logically equivalent
// filters map to the same key.
package cachekey

// ResourceClass identifies the kind of clinical resource a cache entry
// holds. The set is closed; TTLs and downstream fetchers are selected by
// configuration table, never by runtime type inspection.
type ResourceClass string

// Resource classes served by the gateway
const (
	ClassPatient     ResourceClass = "patient"
	ClassObservation ResourceClass = "observation"
	ClassEncounter   ResourceClass = "encounter"
	ClassMedication  ResourceClass = "medication"
	ClassInsight     ResourceClass = "insight"
)

// Classes lists every recognized resource class
func Classes() []ResourceClass {
	return []ResourceClass{
		ClassPatient,
		ClassObservation,
		ClassEncounter,
		ClassMedication,
		ClassInsight,
	}
}

// Valid reports whether c is a recognized resource class
func (c ResourceClass) Valid() bool {
	switch c {
	case ClassPatient, ClassObservation, ClassEncounter, ClassMedication, ClassInsight:
		return true
	}
	return false
}

func (c ResourceClass) String() string {
	return string(c)
}
