// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package scene loads Collada documents as reloadable resources. The
// images a document references are its dependencies, so repainting a
// texture reloads every scene using it.
package scene

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/model"
	"github.com/devblok/koru/reload"
	"github.com/devblok/koru/util/collada"
)

// Kind names scene resources in logs and metrics.
const Kind = "scene"

// Options configures a Scene.
type Options struct {
	Logger           log.FieldLogger
	SidecarExtension string
	Roots            reload.RootResolver
}

// Model is the compiled state of a Scene.
type Model struct {
	Object *model.ColladaObject

	// Images are the resolved image paths the document references.
	Images []string
}

// Scene is a reloadable Collada document.
type Scene struct {
	*reload.Resource[*Model]
}

// New creates an unloaded scene. Call Load before the first Use.
func New(path, root string, opts Options) *Scene {
	return &Scene{
		Resource: reload.New[*Model](Kind, path, root, modelLoader{}, reload.Options{
			Logger:           opts.Logger,
			SidecarExtension: opts.SidecarExtension,
			Roots:            opts.Roots,
		}),
	}
}

// ImagePaths resolves the image library of doc against the directory
// of the document.
func ImagePaths(doc *collada.Collada, path string) []string {
	dir := filepath.Dir(path)
	seen := make(map[string]bool)
	var paths []string
	for _, image := range doc.Images {
		location := image.InitFrom.Location()
		if location == "" {
			continue
		}
		if strings.HasPrefix(location, "file://") {
			if u, err := url.Parse(location); err == nil {
				location = u.Path
			}
		} else if unescaped, err := url.PathUnescape(location); err == nil {
			location = unescaped
		}

		location = filepath.FromSlash(location)
		if !filepath.IsAbs(location) {
			location = filepath.Join(dir, location)
		}
		if !seen[location] {
			seen[location] = true
			paths = append(paths, location)
		}
	}
	return paths
}

type modelLoader struct{}

func (modelLoader) Load(path string) (*Model, []string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var doc collada.Collada
	if err := xml.Unmarshal(contents, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	images := ImagePaths(&doc, path)
	object, err := model.NewColladaObject(&doc)
	if err != nil {
		return nil, images, fmt.Errorf("importing %s: %w", path, err)
	}

	return &Model{
		Object: object,
		Images: images,
	}, images, nil
}

func (modelLoader) Release(*Model) {}

// Migrate keeps the placement of the replaced object.
func (modelLoader) Migrate(prev, next *Model) {
	next.Object.Transfer(prev.Object)
}
