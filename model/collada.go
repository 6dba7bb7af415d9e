// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package model

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"sync"

	glm "github.com/go-gl/mathgl/mgl32"

	"github.com/devblok/koru/util/collada"
)

// import errors
var (
	ErrNoGeometry     = errors.New("document has no geometry")
	ErrSourceNotFound = errors.New("source type not found")
	ErrBadIndex       = errors.New("triangle index out of range")
)

// DefaultColor is given to vertices, documents carry no vertex colors.
var DefaultColor = glm.Vec4{1.0, 1.0, 0.0, 1.0}

// ImportColladaObject reads given file and converts Collada object to
// engine's internal object
func ImportColladaObject(fileContents []byte) (Object, error) {
	var doc collada.Collada
	if err := xml.Unmarshal(fileContents, &doc); err != nil {
		return nil, err
	}
	object, err := NewColladaObject(&doc)
	if err != nil {
		return nil, err
	}
	return object, nil
}

// NewColladaObject builds an object from every geometry of a decoded document.
func NewColladaObject(doc *collada.Collada) (*ColladaObject, error) {
	if len(doc.Geometries) == 0 {
		return nil, ErrNoGeometry
	}

	object := &ColladaObject{
		position: glm.Ident4(),
		rotation: glm.Ident4(),
	}
	for _, geometry := range doc.Geometries {
		vertices, err := triangulate(geometry.Mesh)
		if err != nil {
			return nil, fmt.Errorf("geometry %s: %w", geometry.ID, err)
		}
		object.vertices = append(object.vertices, vertices...)
	}
	return object, nil
}

func triangulate(mesh collada.Mesh) ([]Vertex, error) {
	positions, err := positionSource(mesh)
	if err != nil {
		return nil, err
	}

	stride := 1
	vertexOffset, normalOffset := -1, -1
	var normals collada.Source
	for _, input := range mesh.Triangles.Inputs {
		if int(input.Offset)+1 > stride {
			stride = int(input.Offset) + 1
		}
		switch input.Semantic {
		case "VERTEX":
			vertexOffset = int(input.Offset)
		case "NORMAL":
			source, err := sourceByID(mesh.Source, input.Source)
			if err != nil {
				return nil, err
			}
			normals = source
			normalOffset = int(input.Offset)
		}
	}
	if vertexOffset < 0 {
		return nil, fmt.Errorf("%w: VERTEX", ErrSourceNotFound)
	}

	var vertices []Vertex
	for idx := 0; idx+stride <= len(mesh.Triangles.Index); idx += stride {
		indices := mesh.Triangles.Index[idx : idx+stride]

		pos, err := vec3At(positions.Floats.Data, indices[vertexOffset])
		if err != nil {
			return nil, err
		}
		vert := Vertex{
			Pos:   pos,
			Color: DefaultColor,
		}
		if normalOffset >= 0 {
			if vert.Normal, err = vec3At(normals.Floats.Data, indices[normalOffset]); err != nil {
				return nil, err
			}
		}
		vertices = append(vertices, vert)
	}
	return vertices, nil
}

func vec3At(data []float32, index int) (glm.Vec3, error) {
	if index < 0 || 3*index+2 >= len(data) {
		return glm.Vec3{}, fmt.Errorf("%w: %d", ErrBadIndex, index)
	}
	return glm.Vec3{data[3*index], data[3*index+1], data[3*index+2]}, nil
}

// positionSource follows the vertices element to its POSITION source,
// falling back to the conventional "-positions" id suffix.
func positionSource(mesh collada.Mesh) (collada.Source, error) {
	for _, input := range mesh.Vertices.Inputs {
		if input.Semantic == "POSITION" {
			return sourceByID(mesh.Source, input.Source)
		}
	}
	return findSource(mesh.Source, "positions")
}

func sourceByID(sources []collada.Source, ref string) (collada.Source, error) {
	id := strings.TrimPrefix(ref, "#")
	for _, s := range sources {
		if s.ID == id {
			return s, nil
		}
	}
	return collada.Source{}, fmt.Errorf("%w: %s", ErrSourceNotFound, ref)
}

// ColladaObject is imported from a collada (.dae) file.
// Loaded and held in memory
type ColladaObject struct {
	mutex    sync.RWMutex
	position glm.Mat4
	rotation glm.Mat4

	vertices []Vertex
}

// SetPosition implements interface
func (co *ColladaObject) SetPosition(pos glm.Mat4) {
	co.mutex.Lock()
	co.position = pos
	co.mutex.Unlock()
}

// Position implements interface
func (co *ColladaObject) Position() glm.Mat4 {
	co.mutex.RLock()
	defer co.mutex.RUnlock()
	return co.position
}

// SetRotation implements interface
func (co *ColladaObject) SetRotation(rot glm.Mat4) {
	co.mutex.Lock()
	co.rotation = rot
	co.mutex.Unlock()
}

// Rotation implements interface
func (co *ColladaObject) Rotation() glm.Mat4 {
	co.mutex.RLock()
	defer co.mutex.RUnlock()
	return co.rotation
}

// Vertices implements interface
func (co *ColladaObject) Vertices() []Vertex {
	return co.vertices
}

// Transfer copies the placement of prev onto co.
func (co *ColladaObject) Transfer(prev Object) {
	co.SetPosition(prev.Position())
	co.SetRotation(prev.Rotation())
}

func findSource(sources []collada.Source, dataType string) (collada.Source, error) {
	for _, s := range sources {
		if strings.HasSuffix(s.ID, fmt.Sprintf("-%s", dataType)) {
			return s, nil
		}
	}
	return collada.Source{}, fmt.Errorf("%w: %s", ErrSourceNotFound, dataType)
}
