// Package request implements the minimal Request/Camera surface the
// scheduler consumes: an aggregation of controls and user-supplied output
// buffer slots, plus the generic completion callbacks the pipeline handler
// invokes. Camera registration and configuration validation beyond this
// surface are out of scope for this package.
package request

// ControlID identifies a single control in a ControlList. In a full
// libcamera-style stack this would be a stable numeric ID shared between
// the pipeline handler and the IPA; here it is a small closed set plus an
// escape hatch for IPA-private controls.
type ControlID int

const (
	// AeEnable toggles auto-exposure.
	AeEnable ControlID = iota
	// ExposureTime is the sensor integration time in microseconds.
	ExposureTime
	// AnalogueGain is the sensor analogue gain multiplier (x100 fixed point).
	AnalogueGain
	// ColourGains is a 2-element [red, blue] white balance gain pair.
	ColourGains
	// Brightness/Contrast/Saturation mirror libcamera's common 3A outputs.
	Brightness
	Contrast
	Saturation

	// controlIDPrivateBase is the first ID available to IPA-private controls
	// that this package has no built-in name for.
	controlIDPrivateBase = 1000
)

// PrivateControl returns the ControlID for the n-th IPA-private control.
func PrivateControl(n int) ControlID {
	return ControlID(controlIDPrivateBase + n)
}

// ControlList is an ordered bag of controls, keyed by ControlID. Ordering
// is insertion order, matching libcamera's ControlList iteration contract
// closely enough for the IPA wire format to round-trip deterministically.
type ControlList struct {
	keys   []ControlID
	values map[ControlID]any
}

// NewControlList returns an empty ControlList.
func NewControlList() ControlList {
	return ControlList{values: make(map[ControlID]any)}
}

// Set assigns a control value, appending to iteration order on first set.
func (c *ControlList) Set(id ControlID, v any) {
	if c.values == nil {
		c.values = make(map[ControlID]any)
	}
	if _, ok := c.values[id]; !ok {
		c.keys = append(c.keys, id)
	}
	c.values[id] = v
}

// Get returns the value for id and whether it was present.
func (c ControlList) Get(id ControlID) (any, bool) {
	v, ok := c.values[id]
	return v, ok
}

// Contains reports whether id has been set.
func (c ControlList) Contains(id ControlID) bool {
	_, ok := c.values[id]
	return ok
}

// Len returns the number of controls set.
func (c ControlList) Len() int {
	return len(c.keys)
}

// Range calls fn for every control in insertion order.
func (c ControlList) Range(fn func(id ControlID, v any)) {
	for _, k := range c.keys {
		fn(k, c.values[k])
	}
}

// Clone returns an independent copy of c.
func (c ControlList) Clone() ControlList {
	out := NewControlList()
	c.Range(func(id ControlID, v any) { out.Set(id, v) })
	return out
}
