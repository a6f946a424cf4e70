//go:build headless

package main

func init() {
	compiledFeatures = append(compiledFeatures, "chardev:vc-unavailable")
}

// NewConsoleBackend is unavailable in headless builds.
func NewConsoleBackend() (CharBackend, error) {
	return nil, ErrConsoleUnavailable
}
