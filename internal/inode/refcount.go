package inode

import "log"

// openCount implements the open-inode reference count: destroy runs when
// the count reaches zero, with errors logged but otherwise ignored.
// External synchronization (the Engine's registry mutex) is required. Grounded
// on gcsfuse's fs/inode/lookup_count.go lookupCount helper.
type openCount struct {
	count   int
	destroy func() error
}

func (oc *openCount) inc() {
	oc.count++
}

// dec decrements the count by one and returns true if it reached zero,
// in which case destroy has already been invoked.
func (oc *openCount) dec() (destroyed bool) {
	if oc.count <= 0 {
		panic("inode: open count underflow")
	}
	oc.count--
	if oc.count == 0 {
		if err := oc.destroy(); err != nil {
			log.Printf("inode: error destroying inode: %v", err)
		}
		destroyed = true
	}
	return
}
