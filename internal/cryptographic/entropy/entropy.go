package entropy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var ErrNotEnoughRandom = errors.New("not enough entropy")

// Reader is the source of all key material. Tests may swap it.
var Reader io.Reader = rand.Reader

// Read fills b from Reader. A short read is fatal for the caller.
func Read(b []byte) error {
	if _, err := io.ReadFull(Reader, b); err != nil {
		return fmt.Errorf("%w: %v", ErrNotEnoughRandom, err)
	}
	return nil
}
