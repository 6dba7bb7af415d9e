// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dispatch

import "github.com/fsnotify/fsnotify"

// Action is the decoded kind of a change.
type Action int

// Known actions
const (
	Unknown Action = iota
	Added
	Removed
	Modified
	RenamedFrom
	RenamedTo
	Overflow
)

func (a Action) String() string {
	switch a {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	case RenamedFrom:
		return "renamed-from"
	case RenamedTo:
		return "renamed-to"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Decode maps an OS operation to an Action. Operations carrying several
// bits resolve to the most destructive one. fsnotify reports the new name
// of a rename as a plain create, so RenamedTo never comes out of Decode.
func Decode(op fsnotify.Op) Action {
	switch {
	case op.Has(fsnotify.Remove):
		return Removed
	case op.Has(fsnotify.Rename):
		return RenamedFrom
	case op.Has(fsnotify.Create):
		return Added
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		// Chmod covers touch, which only updates the modification time
		return Modified
	default:
		return Unknown
	}
}
