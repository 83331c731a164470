package storage

import (
	"strings"

	"github.com/brettbedarf/mtpstore"
)

// Item is one node of the object tree: a single filesystem entry known
// to the store. Siblings form a singly linked list headed by the
// parent's firstChild; ordering within the list is not observable to
// the initiator.
type Item struct {
	handle      mtpstore.ObjHandle
	puoid       mtpstore.Puoid
	path        string
	parent      *Item
	firstChild  *Item
	nextSibling *Item
	watch       int32 // notifier subscription; -1 when absent
	info        *mtpstore.ObjectInfo
}

func newItem(path string) *Item {
	return &Item{path: path, watch: -1}
}

// Handle returns the item's session-local object handle.
func (it *Item) Handle() mtpstore.ObjHandle { return it.handle }

// Path returns the item's absolute filesystem path.
func (it *Item) Path() string { return it.path }

// Puoid returns the item's persistent identifier.
func (it *Item) Puoid() mtpstore.Puoid { return it.puoid }

// name returns the final path segment.
func (it *Item) name() string {
	return it.path[strings.LastIndex(it.path, "/")+1:]
}

func (it *Item) isAssociation() bool {
	return it.info != nil && it.info.ObjectFormat == mtpstore.FormatAssociation
}

func (it *Item) isPlaylist() bool {
	return it.info != nil && it.info.ObjectFormat == mtpstore.FormatAbstractAudioVideoPlaylist
}

// linkChild prepends child to parent's sibling list and sets the back
// pointer. Prepending keeps linking O(1); sibling order carries no
// meaning.
func linkChild(child, parent *Item) {
	if child == nil || parent == nil {
		return
	}
	child.parent = parent

	if parent.firstChild == nil {
		parent.firstChild = child
		return
	}
	child.nextSibling = parent.firstChild
	parent.firstChild = child
}

// unlinkChild removes child from its parent's sibling list and clears
// nextSibling. The parent pointer is left in place; callers that move
// items need the old parent after unlinking.
func unlinkChild(child *Item) {
	if child == nil || child.parent == nil {
		return
	}

	if child.parent.firstChild == child {
		child.parent.firstChild = child.nextSibling
	} else {
		itr := child.parent.firstChild
		for itr != nil && itr.nextSibling != child {
			itr = itr.nextSibling
		}
		if itr != nil {
			itr.nextSibling = child.nextSibling
		}
	}
	child.nextSibling = nil
}
