package logging

import "os"

// stdout is split out so tests can assert construction without
// capturing process output.
func stdout() *os.File {
	return os.Stdout
}
