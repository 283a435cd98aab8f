package pipeline

import "fmt"

// ToolNotFoundError reports a missing external tool binary.
type ToolNotFoundError struct {
	Tool string
	Path string
}

func (e *ToolNotFoundError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s binary not found at %s", e.Tool, e.Path)
	}
	return fmt.Sprintf("%s binary not found", e.Tool)
}

// InsufficientInputError reports too few images for reconstruction.
type InsufficientInputError struct {
	Have int
	Need int
}

func (e *InsufficientInputError) Error() string {
	return fmt.Sprintf("need at least %d images, but only have %d", e.Need, e.Have)
}

// NoValidReconstructionError reports that the sparse output contained no
// usable model, so training cannot start.
type NoValidReconstructionError struct {
	SparseDir string
}

func (e *NoValidReconstructionError) Error() string {
	return fmt.Sprintf("no valid sparse reconstruction found in %s", e.SparseDir)
}
