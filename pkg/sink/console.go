package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// Console writes payloads to a writer. It is the last resort of every chain.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole writes to w, or stdout when w is nil.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

func (c *Console) Name() string { return NameConsole }

func (c *Console) Speak(_ context.Context, p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "[speech:%s] %s\n", p.Category, p.Text)
	return err
}
