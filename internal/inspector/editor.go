package inspector

import (
	"errors"
	"fmt"
	"log"

	"github.com/vyuha/cellscope/internal/codec"
)

// ---------------------------------------------------------------------------
// Live editing: pushing values back into the host graph
// ---------------------------------------------------------------------------

// Write failures are ordinary outcomes, not faults. Callers distinguish
// them with errors.Is.
var (
	ErrCellNotFound  = errors.New("cell not found")
	ErrNotWritable   = errors.New("cell not writable")
	ErrNoHost        = errors.New("no host registered")
	ErrHostWrite     = errors.New("host rejected write")
	ErrDecodeFailure = errors.New("document decode failed")
)

// Write pushes value into the named cell. It returns nil when the host
// accepted the write; the mirror itself is not touched here, the host's
// own update notification flows back through the listener. Derived cells
// and unknown names fail with the sentinel errors above.
func (ins *Inspector) Write(name string, value codec.Value) error {
	ins.writesRequested.Add(1)

	c, ok := ins.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrCellNotFound, name)
	}
	if !c.Writable() {
		return fmt.Errorf("%w: %q is %s", ErrNotWritable, name, c.Kind)
	}

	ins.mu.Lock()
	h := ins.host
	ins.mu.Unlock()
	if h == nil {
		return fmt.Errorf("%w: cannot write %q", ErrNoHost, name)
	}

	if err := h.Write(c.Handle, value.Interface()); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrHostWrite, name, err)
	}
	ins.writesSucceeded.Add(1)
	return nil
}

// RequestWrite is the forgiving form of Write: it reports success as a
// bool and logs the reason on failure. The process never dies over a bad
// edit.
func (ins *Inspector) RequestWrite(name string, value codec.Value) bool {
	if err := ins.Write(name, value); err != nil {
		log.Printf("inspector: write %q rejected: %v", name, err)
		return false
	}
	return true
}

// RequestWriteText decodes raw text through the codec and writes the
// result. JSON-parseable text arrives typed ("100" becomes the number
// 100, "true" a bool); anything else is written as a plain string.
func (ins *Inspector) RequestWriteText(name, raw string) bool {
	return ins.RequestWrite(name, codec.DecodeText(raw))
}

// Writable reports whether the named cell currently accepts writes.
func (ins *Inspector) Writable(name string) bool {
	c, ok := ins.registry.Get(name)
	return ok && c.Writable() && ins.hasHost()
}

func (ins *Inspector) hasHost() bool {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.host != nil
}
