// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dep

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4"
)

// package errors
var (
	ErrFileFormat      = errors.New("corrupted or not a dependency sidecar")
	ErrVersion         = errors.New("unsupported sidecar version")
	ErrPrimaryMismatch = errors.New("sidecar belongs to a different asset")
)

// Sizes and markers of the sidecar layout
const (
	Magic                  = "KDEP"
	MagicLength            = 4
	HeaderSizeNumberLength = 8
	SidecarVersion         = 1
)

// header precedes the compressed body. It is small and stays
// uncompressed so the owner can be checked without inflating the set.
type header struct {
	Version int64
	Primary string
}

// ReadSidecar decodes the sidecar at path.
func ReadSidecar(path string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return Set{}, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return Set{}, err
	}
	set, err := readBody(f)
	if err != nil {
		return Set{}, err
	}
	if set.Primary != h.Primary {
		return Set{}, ErrFileFormat
	}
	return set, nil
}

func readHeader(r io.Reader) (header, error) {
	magic := make([]byte, MagicLength)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != Magic {
		return header{}, ErrFileFormat
	}

	var size int64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return header{}, ErrFileFormat
	}
	if size <= 0 || size > 1<<20 {
		return header{}, ErrFileFormat
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return header{}, ErrFileFormat
	}

	var h header
	if err := gobDecode(&h, raw); err != nil {
		return header{}, ErrFileFormat
	}
	if h.Version != SidecarVersion {
		return header{}, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

func readBody(r io.Reader) (Set, error) {
	raw, err := io.ReadAll(lz4.NewReader(r))
	if err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrFileFormat, err)
	}
	var set Set
	if err := gobDecode(&set, raw); err != nil {
		return Set{}, ErrFileFormat
	}
	return set, nil
}

func encodeSidecar(w io.Writer, set Set) error {
	rawHeader, err := gobEncode(header{
		Version: SidecarVersion,
		Primary: set.Primary,
	})
	if err != nil {
		return err
	}
	rawSet, err := gobEncode(set)
	if err != nil {
		return err
	}

	if _, err := io.WriteString(w, Magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(len(rawHeader))); err != nil {
		return err
	}
	if _, err := w.Write(rawHeader); err != nil {
		return err
	}

	zw := lz4.NewWriter(w)
	if _, err := zw.Write(rawSet); err != nil {
		return err
	}
	return zw.Close()
}

// writeSidecar replaces path atomically. The temporary file carries the
// sidecar extension so watchers ignoring sidecars ignore it as well.
func writeSidecar(path string, set Set) error {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	f, err := os.CreateTemp(dir, "."+base+".*"+ext)
	if err != nil {
		return err
	}
	tempName := f.Name()

	var buf bytes.Buffer
	if err := encodeSidecar(&buf, set); err != nil {
		f.Close()
		os.Remove(tempName)
		return err
	}
	if _, err := buf.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tempName)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempName)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func gobEncode(data interface{}) ([]byte, error) {
	var encoded bytes.Buffer
	enc := gob.NewEncoder(&encoded)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return encoded.Bytes(), nil
}

func gobDecode(obj interface{}, bts []byte) error {
	dec := gob.NewDecoder(bytes.NewBuffer(bts))
	return dec.Decode(obj)
}
