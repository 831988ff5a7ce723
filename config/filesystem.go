package config

import (
	"io"
	"io/fs"
	"os"

	"github.com/pkg/errors"
)

// overwriting fileSystem lets us use a mock filesystem for tests
var fileSystem fs.FS = osFS{}

type osFS struct{}

// osFS implements fs.FS. Paths are passed to the OS unchanged, so absolute
// paths work.
func (o osFS) Open(name string) (fs.File, error) {
	return os.Open(name)
}

func readFile(path string) ([]byte, error) {
	f, err := fileSystem.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return b, nil
}
