package dist

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so a bundle always encodes to the same
// bytes. cborDecMode rejects unknown fields and duplicate keys.
var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// MarshalBundle serializes a Bundle to CBOR bytes.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return cborEncMode.Marshal(b)
}

// UnmarshalBundle deserializes a Bundle from CBOR bytes and verifies it.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cborDecMode.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("dist: unmarshal bundle: %w", err)
	}
	if err := b.Verify(); err != nil {
		return nil, err
	}
	return &b, nil
}

// WriteFile writes the CBOR encoding of b to path.
func WriteFile(path string, b *Bundle) error {
	data, err := MarshalBundle(b)
	if err != nil {
		return fmt.Errorf("dist: marshal bundle: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ReadFile reads and verifies a bundle written by WriteFile.
func ReadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dist: %w", err)
	}
	return UnmarshalBundle(data)
}
