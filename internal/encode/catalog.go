package encode

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed backbones.yaml
var backbonesYAML []byte

// Driver names the runtime that executes a backbone.
const (
	DriverDlib   = "dlib"
	DriverWorker = "worker"
)

// Spec describes one embedding backbone.
type Spec struct {
	Name      string  `yaml:"-"`
	Dim       int     `yaml:"dim"`
	InputSize int     `yaml:"input_size"` // square side the crop is scaled to
	MinInput  int     `yaml:"min_input"`  // smallest crop side accepted before scaling
	Speed     int     `yaml:"speed"`
	Accuracy  int     `yaml:"accuracy"`
	Driver    string  `yaml:"driver"`
	Metric    string  `yaml:"metric"`
	Tolerance float64 `yaml:"tolerance"`
}

type catalogFile struct {
	Backbones map[string]Spec `yaml:"backbones"`
}

var catalog = mustLoadCatalog(backbonesYAML)

func mustLoadCatalog(data []byte) map[string]Spec {
	c, err := parseCatalog(data)
	if err != nil {
		panic("failed to parse embedded backbones.yaml: " + err.Error())
	}
	return c
}

func parseCatalog(data []byte) (map[string]Spec, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	out := make(map[string]Spec, len(f.Backbones))
	for name, s := range f.Backbones {
		s.Name = name
		if s.Dim <= 0 || s.InputSize <= 0 {
			return nil, fmt.Errorf("backbone %s: dim and input_size must be positive", name)
		}
		if s.Driver != DriverDlib && s.Driver != DriverWorker {
			return nil, fmt.Errorf("backbone %s: unknown driver %q", name, s.Driver)
		}
		out[name] = s
	}
	return out, nil
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Spec, error) {
	s, ok := catalog[name]
	if !ok {
		return Spec{}, fmt.Errorf("unknown backbone %q", name)
	}
	return s, nil
}

// Catalog lists every backbone, fastest first.
func Catalog() []Spec {
	out := make([]Spec, 0, len(catalog))
	for _, s := range catalog {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Speed != out[j].Speed {
			return out[i].Speed < out[j].Speed
		}
		return out[i].Name < out[j].Name
	})
	return out
}
