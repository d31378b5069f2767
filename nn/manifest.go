package nn

// Manifest describes the on-disk network.json metadata document the
// loader collaborator (spec.md §6) persists alongside one compressed
// binary per layer. This type exists so a future loader implementation
// has a concrete shape to target; this module never reads or writes it.
type Manifest struct {
	InputCount int              `json:"input_count"`
	Layers     []ManifestLayer  `json:"layers"`
}

// ManifestLayer describes one layer entry in a network.json manifest.
type ManifestLayer struct {
	Path     string `json:"path"`
	Size     int    `json:"size"`
	Function string `json:"function"`
}

// ToManifest builds the manifest metadata for a network, given the
// relative paths a loader would use for each layer's compressed payload.
func ToManifest(n *Network, layerPaths []string) Manifest {
	layers := n.Layers()
	m := Manifest{
		InputCount: n.InputCount(),
		Layers:     make([]ManifestLayer, len(layers)),
	}
	for i, l := range layers {
		path := ""
		if i < len(layerPaths) {
			path = layerPaths[i]
		}
		m.Layers[i] = ManifestLayer{
			Path:     path,
			Size:     l.Size,
			Function: l.Function.String(),
		}
	}
	return m
}
