package classifier

import (
	"encoding/json"
	"fmt"
	"os"

	enginerr "github.com/lucid-vigil/decoygate/pkg/errors"
	"github.com/lucid-vigil/decoygate/pkg/features"
)

// TreeNode is one node of a serialized decision tree. Leaf nodes carry a
// vote in Value (1 = anomaly, 0 = normal, or a calibrated probability);
// split nodes compare fv[Feature] <= Threshold and descend Left/Right.
type TreeNode struct {
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Tree is a single decision tree, stored as a flat node array with the
// root at index 0.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// ModelMeta describes the trained model. Feature names must match the
// engine's vector layout; training is an offline concern.
type ModelMeta struct {
	NumTrees     int      `json:"n_trees"`
	FeatureNames []string `json:"feature_names"`
	TrainedAt    string   `json:"trained_at,omitempty"`
	Accuracy     float64  `json:"accuracy,omitempty"`
}

// Forest is a bagged decision-tree ensemble evaluated by averaging the
// per-tree votes. Inference is deterministic and side-effect free.
type Forest struct {
	Meta  ModelMeta `json:"metadata"`
	Trees []Tree    `json:"trees"`
}

// LoadForest reads and validates a model file produced by the offline
// training pipeline.
func LoadForest(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model file %s: %w", path, err)
	}

	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}

	return &f, nil
}

// validate rejects models that could index out of range at inference
// time, so Score never has to bounds-check per node.
func (f *Forest) validate() error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("model contains no trees")
	}
	if f.Meta.NumTrees != 0 && f.Meta.NumTrees != len(f.Trees) {
		return fmt.Errorf("metadata declares %d trees, file contains %d", f.Meta.NumTrees, len(f.Trees))
	}
	if len(f.Meta.FeatureNames) != 0 && len(f.Meta.FeatureNames) != features.VectorSize {
		return fmt.Errorf("model expects %d features, engine produces %d", len(f.Meta.FeatureNames), features.VectorSize)
	}

	for ti, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, node := range tree.Nodes {
			if node.Leaf {
				if node.Value < 0 || node.Value > 1 {
					return fmt.Errorf("tree %d node %d: leaf value %f outside [0,1]", ti, ni, node.Value)
				}
				continue
			}
			if node.Feature < 0 || node.Feature >= features.VectorSize {
				return fmt.Errorf("tree %d node %d: feature index %d out of range", ti, ni, node.Feature)
			}
			if node.Left <= ni || node.Left >= len(tree.Nodes) ||
				node.Right <= ni || node.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d: child link out of range", ti, ni)
			}
		}
	}
	return nil
}

// Name implements Scorer.
func (f *Forest) Name() string { return "forest" }

// Score implements Scorer. The score is the mean of the per-tree votes.
// A wrong-length vector is a contract violation, not a runtime
// classification failure.
func (f *Forest) Score(fv []float64) (float64, error) {
	if len(fv) != features.VectorSize {
		return 0, fmt.Errorf("%w: got %d features, want %d", enginerr.ErrShapeMismatch, len(fv), features.VectorSize)
	}

	sum := 0.0
	for i := range f.Trees {
		sum += f.Trees[i].evaluate(fv)
	}
	return sum / float64(len(f.Trees)), nil
}

func (t *Tree) evaluate(fv []float64) float64 {
	idx := 0
	for {
		node := &t.Nodes[idx]
		if node.Leaf {
			return node.Value
		}
		if fv[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
}
