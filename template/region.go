package template

import (
	"github.com/janelia-flyem/neuronalign/morph"

	"gonum.org/v1/gonum/stat"
)

// NerveCordBoundary is the native-space coordinate (nanometers along the anterior-posterior
// axis) separating the brain from the ventral nerve cord in the source connectome.
const NerveCordBoundary = 320000.0

// NerveCordAxis is the native-space axis running anterior to posterior.
const NerveCordAxis = morph.AxisY

// Classifier assigns a skeleton to a single region from the centroid of its nodes along
// one axis.  This is a coarse heuristic and not an anatomical segmentation: neurons that
// span both regions, like descending and ascending neurons, get whichever region holds
// their centroid.
type Classifier struct {
	Axis      morph.Axis
	Threshold float64
}

// DefaultClassifier uses NerveCordAxis and NerveCordBoundary.
func DefaultClassifier() Classifier {
	return Classifier{Axis: NerveCordAxis, Threshold: NerveCordBoundary}
}

// Classification is the outcome of classifying one skeleton.
type Classification struct {
	Region Region

	// Centroid is the mean node coordinate along the classifier axis.
	Centroid float64

	// BrainFraction is the fraction of nodes strictly below the threshold.  It is
	// informational and does not affect Region.
	BrainFraction float64
}

// RegionFor classifies a single coordinate: strictly below the threshold is Brain.
func (c Classifier) RegionFor(value float64) Region {
	if value < c.Threshold {
		return Brain
	}
	return NerveCord
}

// Classify returns the region of a non-empty skeleton.  Empty skeletons are rejected
// before classification and yield Brain with a zero centroid.
func (c Classifier) Classify(s *morph.Skeleton) Classification {
	if s == nil || len(s.Nodes) == 0 {
		return Classification{Region: Brain}
	}
	values := make([]float64, len(s.Nodes))
	var below int
	for i, n := range s.Nodes {
		values[i] = n.Pos[c.Axis]
		if values[i] < c.Threshold {
			below++
		}
	}
	centroid := stat.Mean(values, nil)
	return Classification{
		Region:        c.RegionFor(centroid),
		Centroid:      centroid,
		BrainFraction: float64(below) / float64(len(values)),
	}
}
