package sampler

import (
	"encoding/gob"
	"os"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// SaveSampled persists the static subgraph cache to filePath with gob, so a
// later run can reuse the exact same sampled projections without re-sampling.
// Only supported on StaticGraph datasets; entries not yet sampled are saved
// as nil and re-sampled on demand after a Load.
func (ds *Dataset) SaveSampled(filePath string) (err error) {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	if !ds.staticGraph {
		Panicf("Dataset.SaveSampled is only supported on StaticGraph datasets")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save sampled subgraphs", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(ds.cached); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding sampled subgraphs to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q after saving sampled subgraphs", filePath)
	}
	return nil
}

// LoadSampled restores a subgraph cache previously written by SaveSampled.
// It must be called before the Dataset starts yielding, on a StaticGraph
// dataset over the same examples and Plan. If filePath doesn't exist it
// returns an error checkable with os.IsNotExist.
func (ds *Dataset) LoadSampled(filePath string) (err error) {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	ds.checkNotFrozen()
	if !ds.staticGraph {
		Panicf("Dataset.LoadSampled is only supported on StaticGraph datasets")
	}
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return errors.Wrapf(err, "opening %q to load sampled subgraphs", filePath)
	}
	var cached []*Subgraph
	dec := gob.NewDecoder(f)
	if err = dec.Decode(&cached); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "decoding sampled subgraphs from %q", filePath)
	}
	_ = f.Close()
	if len(cached) != len(ds.examples) {
		return errors.Errorf("%q holds %d sampled subgraphs, dataset has %d examples",
			filePath, len(cached), len(ds.examples))
	}
	nodeCap, maxK := ds.plan.NodeCapacity(), ds.plan.MaxNeighbors()
	for ii, sub := range cached {
		if sub == nil {
			continue
		}
		if len(sub.NodeIDs) != nodeCap || len(sub.Neighbors) != nodeCap*maxK {
			return errors.Errorf("%q: subgraph %d was sampled under a different plan "+
				"(capacity %d, max neighbors %d; dataset plan wants %d and %d)",
				filePath, ii, len(sub.NodeIDs), len(sub.Neighbors)/max(len(sub.NodeIDs), 1), nodeCap, maxK)
		}
	}
	ds.cached = cached
	return nil
}
