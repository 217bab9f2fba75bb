package codegen

import (
	"fmt"
	"strings"
)

// frame is a symbolic mirror of the machine stack: one name per slot,
// bottom first. The generator applies every emitted operation to the frame
// too, so pick indices are looked up by name instead of being hard-coded.
// Copies keep the name of their source.
type frame struct {
	slots []string
}

func (f *frame) push(name string) {
	f.slots = append(f.slots, name)
}

func (f *frame) need(n int) error {
	if len(f.slots) < n {
		return fmt.Errorf("layout needs %d slots, have %d: %s", n, len(f.slots), f)
	}
	return nil
}

func (f *frame) pop(n int) error {
	if err := f.need(n); err != nil {
		return err
	}
	f.slots = f.slots[:len(f.slots)-n]
	return nil
}

// top returns the name of the slot depth places below the top.
func (f *frame) top(depth int) string {
	return f.slots[len(f.slots)-1-depth]
}

// depth returns the distance from the top to the nearest slot called name.
func (f *frame) depth(name string) (int, error) {
	for i := len(f.slots) - 1; i >= 0; i-- {
		if f.slots[i] == name {
			return len(f.slots) - 1 - i, nil
		}
	}
	return 0, fmt.Errorf("layout has no slot %q: %s", name, f)
}

// rename renames the nearest slot called from.
func (f *frame) rename(from, to string) error {
	d, err := f.depth(from)
	if err != nil {
		return err
	}
	f.slots[len(f.slots)-1-d] = to
	return nil
}

func (f *frame) swap() error {
	if err := f.need(2); err != nil {
		return err
	}
	n := len(f.slots)
	f.slots[n-1], f.slots[n-2] = f.slots[n-2], f.slots[n-1]
	return nil
}

// rot mirrors the machine's rot: top-first [a b c] becomes [b c a].
func (f *frame) rot() error {
	if err := f.need(3); err != nil {
		return err
	}
	n := len(f.slots)
	a, b, c := f.slots[n-1], f.slots[n-2], f.slots[n-3]
	f.slots[n-3], f.slots[n-2], f.slots[n-1] = a, c, b
	return nil
}

// expect checks that the top of the frame holds names, bottom first.
func (f *frame) expect(names ...string) error {
	if len(f.slots) < len(names) {
		return fmt.Errorf("layout %s, want top %v", f, names)
	}
	tail := f.slots[len(f.slots)-len(names):]
	for i := range names {
		if tail[i] != names[i] {
			return fmt.Errorf("layout %s, want top %v", f, names)
		}
	}
	return nil
}

func (f *frame) String() string {
	return "[" + strings.Join(f.slots, " ") + "]"
}
