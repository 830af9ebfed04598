package heatcount

import (
	"fmt"
	"io"
)

// Query writes the model architecture and its parameter shapes in text/human
// readable format
func Query(w io.Writer, m Model) error {

	if m == nil {
		return fmt.Errorf("no model given")
	}

	cfg := m.Config()

	fmt.Fprintf(w, "Architecture: %s, Classes: %d, Output Stride: %d, Hidden: %d\n",
		cfg.Architecture, cfg.NumClasses, cfg.OutputStride, cfg.Hidden)

	total := 0
	params := m.Params()

	fmt.Fprintf(w, "Parameters:\n")

	for i, p := range params {
		fmt.Fprintf(w, "  index=%d, name=%s, shape=%v, n_elems=%d\n",
			i, p.Name, p.Shape, len(p.Value))
		total += len(p.Value)
	}

	fmt.Fprintf(w, "Total Parameters: %d\n", total)

	return nil
}
