// Package image reads and writes program images: classes, their methods
// as assembly text and catch tables, and an entry point.
package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// Image is a whole program.
type Image struct {
	Name    string  `cbor:"name" yaml:"name"`
	Classes []Class `cbor:"classes" yaml:"classes"`
	Entry   Entry   `cbor:"entry" yaml:"entry"`
}

// Class declares a class and its members. Super defaults to Object.
type Class struct {
	Name         string   `cbor:"name" yaml:"name"`
	Super        string   `cbor:"super,omitempty" yaml:"super,omitempty"`
	Lazy         bool     `cbor:"lazy,omitempty" yaml:"lazy,omitempty"`
	Methods      []Method `cbor:"methods,omitempty" yaml:"methods,omitempty"`
	ClassMethods []Method `cbor:"class-methods,omitempty" yaml:"class-methods,omitempty"`
}

// Method is one member body in assembly form.
type Method struct {
	Name       string  `cbor:"name" yaml:"name"`
	Visibility string  `cbor:"visibility,omitempty" yaml:"visibility,omitempty"`
	Arity      int     `cbor:"arity,omitempty" yaml:"arity,omitempty"`
	Temps      int     `cbor:"temps,omitempty" yaml:"temps,omitempty"`
	Asm        string  `cbor:"asm" yaml:"asm"`
	Catch      []Catch `cbor:"catch,omitempty" yaml:"catch,omitempty"`
}

// Catch is a catch table entry whose offsets are labels of the
// enclosing method's assembly.
type Catch struct {
	Kind    string  `cbor:"kind" yaml:"kind"`
	Start   string  `cbor:"start" yaml:"start"`
	End     string  `cbor:"end" yaml:"end"`
	Cont    string  `cbor:"cont" yaml:"cont"`
	SP      int     `cbor:"sp,omitempty" yaml:"sp,omitempty"`
	Handler *Method `cbor:"handler,omitempty" yaml:"handler,omitempty"`
}

// Entry names the member a run starts with. The receiver is the class
// itself when ClassSide is set, otherwise a new instance.
type Entry struct {
	Class     string `cbor:"class" yaml:"class"`
	Method    string `cbor:"method" yaml:"method"`
	ClassSide bool   `cbor:"class-side,omitempty" yaml:"class-side,omitempty"`
	Args      []any  `cbor:"args,omitempty" yaml:"args,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalCBOR serializes img deterministically.
func MarshalCBOR(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// UnmarshalCBOR deserializes an image from CBOR bytes.
func UnmarshalCBOR(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal cbor: %w", err)
	}
	return &img, nil
}

// MarshalYAML renders img as YAML.
func MarshalYAML(img *Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(img); err != nil {
		return nil, fmt.Errorf("image: marshal yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalYAML deserializes an image from YAML. Unknown keys are errors.
func UnmarshalYAML(data []byte) (*Image, error) {
	var img Image
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&img); err != nil {
		return nil, fmt.Errorf("image: unmarshal yaml: %w", err)
	}
	return &img, nil
}

// ReadFile loads an image. Files ending in .cbor are binary, everything
// else is YAML.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if isCBOR(path) {
		return UnmarshalCBOR(data)
	}
	return UnmarshalYAML(data)
}

// WriteFile stores img in the format its extension names.
func WriteFile(path string, img *Image) error {
	var data []byte
	var err error
	if isCBOR(path) {
		data, err = MarshalCBOR(img)
	} else {
		data, err = MarshalYAML(img)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func isCBOR(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".cbor")
}
