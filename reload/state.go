// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package reload

// State of a Resource.
type State int32

// Lifecycle states
const (
	Uninitialized State = iota
	Loaded
	MarkedStale
	Reloading
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loaded:
		return "loaded"
	case MarkedStale:
		return "marked-stale"
	case Reloading:
		return "reloading"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}
