// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

//go:build !linux

package watch

func reachedMaxUserWatches(err error) bool {
	return false
}
