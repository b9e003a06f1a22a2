package anchor

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Task registers Volume against Anchor as reference.
type Task struct {
	Anchor int
	Volume int
}

func (t Task) String() string {
	return fmt.Sprintf("frame %d -> anchor frame %d", t.Volume+1, t.Anchor+1)
}

// Plan is the ordered list of registrations for one run.
type Plan []Task

// Schedule builds the registration plan for nVols volumes and the given
// anchors.
//
// Anchors are walked in increasing order while tracking the first
// volume not yet covered. Each anchor claims every uncovered volume before
// it. The final anchor also claims every volume after it. Adjacent anchors
// produce an empty span.
func Schedule(nVols int, anchors []int) (Plan, error) {
	if _, err := NewSet(anchors, nVols); err != nil {
		return nil, err
	}

	plan := make(Plan, 0, nVols-len(anchors))
	lastUnregistered := 0
	for i, a := range anchors {
		for v := lastUnregistered; v < a; v++ {
			plan = append(plan, Task{Anchor: a, Volume: v})
		}
		lastUnregistered = a + 1

		if i == len(anchors)-1 && a != nVols-1 {
			for v := lastUnregistered; v < nVols; v++ {
				plan = append(plan, Task{Anchor: a, Volume: v})
			}
		}
	}
	return plan, nil
}

// Verify checks that the plan registers every non-anchor volume of the
// set's series exactly once, only against anchors, and in increasing
// volume order within each anchor's span.
func (p Plan) Verify(set *Set) error {
	nVols := set.NumVolumes()
	covered := roaring.New()
	lastByAnchor := make(map[int]int, set.Len())

	for i, task := range p {
		if task.Volume < 0 || task.Volume >= nVols {
			return fmt.Errorf("task %d: volume %d outside [0, %d)", i, task.Volume, nVols)
		}
		if !set.Contains(task.Anchor) {
			return fmt.Errorf("task %d: reference %d is not an anchor", i, task.Anchor)
		}
		if set.Contains(task.Volume) {
			return fmt.Errorf("task %d: anchor %d scheduled for registration", i, task.Volume)
		}
		if !covered.CheckedAdd(uint32(task.Volume)) {
			return fmt.Errorf("task %d: volume %d scheduled twice", i, task.Volume)
		}
		if last, ok := lastByAnchor[task.Anchor]; ok && task.Volume < last {
			return fmt.Errorf("task %d: volume %d scheduled after %d for anchor %d", i, task.Volume, last, task.Anchor)
		}
		lastByAnchor[task.Anchor] = task.Volume
	}

	want := uint64(nVols - set.Len())
	if got := covered.GetCardinality(); got != want {
		return fmt.Errorf("plan covers %d volumes, want %d", got, want)
	}
	return nil
}

// ByAnchor groups the planned volumes by their reference anchor.
func (p Plan) ByAnchor() map[int][]int {
	spans := make(map[int][]int)
	for _, task := range p {
		spans[task.Anchor] = append(spans[task.Anchor], task.Volume)
	}
	return spans
}

// Volumes returns the planned volume indices in plan order.
func (p Plan) Volumes() []int {
	vols := make([]int, len(p))
	for i, task := range p {
		vols[i] = task.Volume
	}
	return vols
}
