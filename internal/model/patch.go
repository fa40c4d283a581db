package model

import "encoding/json"

// Field is one slot of a partial update: either Keep the stored value or Set a
// new one. A JSON key that is absent decodes to Keep, a present key (including
// null) decodes to Set.
type Field[T any] struct {
	set   bool
	value T
}

// Keep leaves the stored value untouched.
func Keep[T any]() Field[T] {
	return Field[T]{}
}

// Set replaces the stored value with v.
func Set[T any](v T) Field[T] {
	return Field[T]{set: true, value: v}
}

// IsSet reports whether the field carries a new value.
func (f Field[T]) IsSet() bool {
	return f.set
}

// Value returns the new value and whether one was set.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.set
}

// Apply returns the new value when set and cur otherwise.
func (f Field[T]) Apply(cur T) T {
	if f.set {
		return f.value
	}
	return cur
}

// UnmarshalJSON marks the field as Set with the decoded value.
func (f *Field[T]) UnmarshalJSON(b []byte) error {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.set = true
	f.value = v
	return nil
}

// ProviderProfilePatch is a partial update of a provider profile.
type ProviderProfilePatch struct {
	DroneImageURL       Field[*string]  `json:"droneImageUrl"`
	DroneModel          Field[*string]  `json:"droneModel"`
	Specialization      Field[*string]  `json:"specialization"`
	OffersGroundImaging Field[bool]     `json:"offersGroundImaging"`
	GroundImagingTypes  Field[[]string] `json:"groundImagingTypes"`
	Bio                 Field[*string]  `json:"bio"`
}

// Apply merges the patch over p and returns the result. p is not modified.
func (pp ProviderProfilePatch) Apply(p ProviderProfile) ProviderProfile {
	p.DroneImageURL = pp.DroneImageURL.Apply(p.DroneImageURL)
	p.DroneModel = pp.DroneModel.Apply(p.DroneModel)
	p.Specialization = pp.Specialization.Apply(p.Specialization)
	p.OffersGroundImaging = pp.OffersGroundImaging.Apply(p.OffersGroundImaging)
	p.GroundImagingTypes = pp.GroundImagingTypes.Apply(p.GroundImagingTypes)
	p.Bio = pp.Bio.Apply(p.Bio)
	return p
}

// PatchFromProfile builds a patch that sets every field to p's values.
func PatchFromProfile(p ProviderProfile) ProviderProfilePatch {
	return ProviderProfilePatch{
		DroneImageURL:       Set(p.DroneImageURL),
		DroneModel:          Set(p.DroneModel),
		Specialization:      Set(p.Specialization),
		OffersGroundImaging: Set(p.OffersGroundImaging),
		GroundImagingTypes:  Set(p.GroundImagingTypes),
		Bio:                 Set(p.Bio),
	}
}
