// Package image implements the on-disk form of AVM2 programs. An image
// carries the constant pools, methods, classes and scripts of one
// vm.Program, encoded as canonical CBOR so equal programs hash equally.
package image

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/chazu/avm2/vm"
	"github.com/fxamacker/cbor/v2"
)

// Version is the image format version written by Marshal.
const Version = 1

// ErrVersion reports an image written by an incompatible format version.
var ErrVersion = errors.New("image: unsupported format version")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Image is the serialized form of a program.
type Image struct {
	Version    uint16      `cbor:"1,keyasint"`
	Ints       []int32     `cbor:"2,keyasint,omitempty"`
	Uints      []uint32    `cbor:"3,keyasint,omitempty"`
	Doubles    []float64   `cbor:"4,keyasint,omitempty"`
	Strings    []string    `cbor:"5,keyasint,omitempty"`
	Multinames []Multiname `cbor:"6,keyasint,omitempty"`
	Methods    []Method    `cbor:"7,keyasint"`
	Classes    []Class     `cbor:"8,keyasint,omitempty"`
	Scripts    []Script    `cbor:"9,keyasint"`
}

// Multiname mirrors vm.Multiname.
type Multiname struct {
	Name      string `cbor:"1,keyasint,omitempty"`
	Namespace string `cbor:"2,keyasint,omitempty"`
	RTName    bool   `cbor:"3,keyasint,omitempty"`
	RTNS      bool   `cbor:"4,keyasint,omitempty"`
	Attribute bool   `cbor:"5,keyasint,omitempty"`
}

// Value is a constant reference (vm.OptionalValue).
type Value struct {
	Kind  uint8  `cbor:"1,keyasint"`
	Index uint32 `cbor:"2,keyasint,omitempty"`
}

// Exception is one exception range of a body.
type Exception struct {
	From    uint32 `cbor:"1,keyasint"`
	To      uint32 `cbor:"2,keyasint"`
	Target  uint32 `cbor:"3,keyasint"`
	Type    uint32 `cbor:"4,keyasint,omitempty"`
	VarName uint32 `cbor:"5,keyasint,omitempty"`
}

// Trait is a trait declaration (vm.TraitDef).
type Trait struct {
	Name   string `cbor:"1,keyasint"`
	Kind   uint8  `cbor:"2,keyasint"`
	SlotID uint32 `cbor:"3,keyasint,omitempty"`
	Type   uint32 `cbor:"4,keyasint,omitempty"`
	Value  Value  `cbor:"5,keyasint"`
	Method uint32 `cbor:"6,keyasint,omitempty"`
	Class  uint32 `cbor:"7,keyasint,omitempty"`
}

// Body is the executable part of a method.
type Body struct {
	MaxStack       uint32      `cbor:"1,keyasint"`
	LocalCount     uint32      `cbor:"2,keyasint"`
	InitScopeDepth uint32      `cbor:"3,keyasint"`
	MaxScopeDepth  uint32      `cbor:"4,keyasint"`
	Code           []byte      `cbor:"5,keyasint"`
	Exceptions     []Exception `cbor:"6,keyasint,omitempty"`
	Traits         []Trait     `cbor:"7,keyasint,omitempty"`
}

// Method is one method_info.
type Method struct {
	Name       string   `cbor:"1,keyasint,omitempty"`
	ParamTypes []uint32 `cbor:"2,keyasint,omitempty"`
	Optional   []Value  `cbor:"3,keyasint,omitempty"`
	ReturnType uint32   `cbor:"4,keyasint,omitempty"`
	Flags      uint8    `cbor:"5,keyasint,omitempty"`
	Body       *Body    `cbor:"6,keyasint,omitempty"`
}

// Class is one class definition.
type Class struct {
	Name           string  `cbor:"1,keyasint"`
	Super          uint32  `cbor:"2,keyasint,omitempty"`
	Sealed         bool    `cbor:"3,keyasint,omitempty"`
	InstanceInit   uint32  `cbor:"4,keyasint"`
	ClassInit      uint32  `cbor:"5,keyasint"`
	InstanceTraits []Trait `cbor:"6,keyasint,omitempty"`
	StaticTraits   []Trait `cbor:"7,keyasint,omitempty"`
}

// Script is one script entry point.
type Script struct {
	Init   uint32  `cbor:"1,keyasint"`
	Traits []Trait `cbor:"2,keyasint,omitempty"`
}

// Marshal serializes img to canonical CBOR.
func Marshal(img *Image) ([]byte, error) {
	return encMode.Marshal(img)
}

// Unmarshal deserializes an image and checks its format version.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, img.Version)
	}
	return &img, nil
}

// Hash returns the SHA-256 of the canonical encoding of img.
func (img *Image) Hash() ([32]byte, error) {
	data, err := Marshal(img)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// ReadFile loads an image from path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	return Unmarshal(data)
}

// WriteFile stores img at path.
func WriteFile(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return fmt.Errorf("image: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadProgram reads the image at path and converts it into a program ready
// for vm.VM.Load.
func LoadProgram(path string) (*vm.Program, error) {
	img, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return img.Program()
}
