package templates

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"sync"

	_ "image/png" // register PNG decoder for image.Decode

	"gopkg.in/yaml.v3"
)

// Template describes one reference image: where it lives, the minimum
// match confidence it needs, and the click offset from its top-left
// corner.
type Template struct {
	Name      string
	Path      string
	Threshold float64
	Offset    image.Point
}

// Definition is the YAML shape of a template entry.
type Definition struct {
	Name      string  `yaml:"name"`
	Path      string  `yaml:"path"`
	Threshold float64 `yaml:"threshold"`
	OffsetX   int     `yaml:"offset_x,omitempty"`
	OffsetY   int     `yaml:"offset_y,omitempty"`
	Preload   bool    `yaml:"preload,omitempty"` // decode at load time
}

// File is the structure of a template YAML file.
type File struct {
	Templates []Definition `yaml:"templates"`
}

// DefaultThreshold applies when a definition omits its threshold.
const DefaultThreshold = 0.8

// Registry manages named templates and caches their decoded images so a
// click loop never decodes the same PNG twice.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
	images    map[string]*image.RGBA // keyed by resolved file path
	basePath  string
}

// NewRegistry creates a registry rooted at basePath; relative template
// paths in YAML definitions resolve against it.
func NewRegistry(basePath string) *Registry {
	return &Registry{
		templates: make(map[string]Template),
		images:    make(map[string]*image.RGBA),
		basePath:  basePath,
	}
}

// LoadFromFile loads template definitions from a YAML file.
func (r *Registry) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read template file %s: %w", filePath, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal template YAML: %w", err)
	}

	for i, def := range file.Templates {
		if def.Name == "" {
			return fmt.Errorf("template %d: name cannot be empty", i+1)
		}
		if def.Path == "" {
			return fmt.Errorf("template %d (%s): path cannot be empty", i+1, def.Name)
		}

		tpl := Template{
			Name:      def.Name,
			Path:      filepath.Join(r.basePath, def.Path),
			Threshold: def.Threshold,
			Offset:    image.Point{X: def.OffsetX, Y: def.OffsetY},
		}
		if tpl.Threshold == 0 {
			tpl.Threshold = DefaultThreshold
		}

		r.mu.Lock()
		r.templates[def.Name] = tpl
		r.mu.Unlock()

		if def.Preload {
			if _, err := r.Resolve(def.Name); err != nil {
				// The image can still be loaded on demand later.
				fmt.Fprintf(os.Stderr, "Warning: failed to preload template %s: %v\n", def.Name, err)
			}
		}
	}

	return nil
}

// LoadFromDirectory loads every .yaml/.yml file in a directory.
func (r *Registry) LoadFromDirectory(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("failed to read template directory %s: %w", dirPath, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.LoadFromFile(filepath.Join(dirPath, entry.Name())); err != nil {
			return fmt.Errorf("file %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Register adds a template programmatically.
func (r *Registry) Register(tpl Template) error {
	if tpl.Name == "" {
		return fmt.Errorf("template name cannot be empty")
	}
	if tpl.Threshold == 0 {
		tpl.Threshold = DefaultThreshold
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tpl.Name] = tpl
	return nil
}

// Get retrieves a template by name.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[name]
	return tpl, ok
}

// Has checks whether a template name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all registered template names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered templates.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Resolve returns the decoded image for a template reference. The ref is
// either a registered template name or a direct file path; decoded images
// are cached by path.
func (r *Registry) Resolve(ref string) (*image.RGBA, error) {
	path := ref
	if tpl, ok := r.Get(ref); ok {
		path = tpl.Path
	}

	r.mu.RLock()
	cached, ok := r.images[path]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.images[path] = img
	r.mu.Unlock()
	return img, nil
}

// Unload drops a template's decoded image from the cache.
func (r *Registry) Unload(name string) {
	tpl, ok := r.Get(name)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.images, tpl.Path)
	r.mu.Unlock()
}

// UnloadAll drops all cached images; definitions stay registered.
func (r *Registry) UnloadAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = make(map[string]*image.RGBA)
}

func loadImage(path string) (*image.RGBA, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template image %s: %w", path, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode template image %s: %w", path, err)
	}

	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba, nil
}
