// Package rollout assigns requests to the control or test arm of an A/B
// experiment. Assignment is a pure function of the entity key and the traffic
// split, so the same entity always lands in the same arm for a given split.
package rollout

import (
	"crypto/md5" //nolint:gosec // bucketing, not security
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ashita-ai/kage/internal/model"
)

// Bucket maps key to a position in [0, 1): the first 8 bytes of the MD5
// digest as a big-endian uint64, divided by 2^64.
func Bucket(key string) float64 {
	sum := md5.Sum([]byte(key)) //nolint:gosec
	return float64(binary.BigEndian.Uint64(sum[:8])) / math.Exp2(64)
}

// Select returns ABTest when key's bucket falls below split, ABControl
// otherwise. An empty key is always control.
func Select(key string, split float64) model.ABGroup {
	if key == "" || split <= 0 {
		return model.ABControl
	}
	if Bucket(key) < split {
		return model.ABTest
	}
	return model.ABControl
}

// Assignment is the resolved version for one request.
type Assignment struct {
	Version   string
	Group     model.ABGroup
	EntityKey string
}

// Assign resolves the concrete rule version. With no experiment the active
// version is used and the group is ABNone. The entity key comes from the
// request, or from input[exp.EntityKeyField] when the request has none.
func Assign(exp *model.Experiment, activeVersion, entityKey string, input map[string]any) Assignment {
	if exp == nil {
		return Assignment{Version: activeVersion, Group: model.ABNone, EntityKey: entityKey}
	}
	key := entityKey
	if key == "" && exp.EntityKeyField != "" {
		if v, ok := input[exp.EntityKeyField]; ok && v != nil {
			key = stringify(v)
		}
	}
	g := Select(key, exp.TrafficSplit)
	version := exp.ControlVersion
	if g == model.ABTest {
		version = exp.TestVersion
	}
	return Assignment{Version: version, Group: g, EntityKey: key}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return fmt.Sprintf("%d", int64(x))
		}
	}
	return fmt.Sprint(v)
}

// Skew summarizes how a set of keys actually split.
type Skew struct {
	Total    int     `json:"total"`
	Test     int     `json:"test"`
	Expected float64 `json:"expected"`
	Observed float64 `json:"observed"`
}

// Deviation is |observed - expected|.
func (s Skew) Deviation() float64 { return math.Abs(s.Observed - s.Expected) }

// Distribution buckets keys at split and reports the observed test share.
// Operators use it to sanity-check a split before starting an experiment.
func Distribution(keys []string, split float64) Skew {
	s := Skew{Total: len(keys), Expected: split}
	for _, k := range keys {
		if Select(k, split) == model.ABTest {
			s.Test++
		}
	}
	if s.Total > 0 {
		s.Observed = float64(s.Test) / float64(s.Total)
	}
	return s
}
