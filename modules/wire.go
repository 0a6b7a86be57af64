package modules

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/agim/bytecode"
)

// ErrHashMismatch is returned by Import when a package's code does not hash
// to the value it declares.
var ErrHashMismatch = errors.New("module hash mismatch")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("modules: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireChunk struct {
	Name       string              `cbor:"1,keyasint"`
	Arity      uint8               `cbor:"2,keyasint"`
	LocalCount uint8               `cbor:"3,keyasint"`
	Code       []byte              `cbor:"4,keyasint"`
	Constants  []bytecode.Constant `cbor:"5,keyasint,omitempty"`
	Captures   []bytecode.Capture  `cbor:"6,keyasint,omitempty"`
}

type wireCode struct {
	Main      wireChunk   `cbor:"1,keyasint"`
	Functions []wireChunk `cbor:"2,keyasint,omitempty"`
	Strings   []string    `cbor:"3,keyasint,omitempty"`
}

// Package is the transferable form of one module version.
type Package struct {
	Module  string   `cbor:"1,keyasint"`
	Version int      `cbor:"2,keyasint"`
	Hash    [32]byte `cbor:"3,keyasint"`
	Migrate int      `cbor:"4,keyasint"`
	Code    wireCode `cbor:"5,keyasint"`
}

func toWire(c *bytecode.Chunk) wireChunk {
	return wireChunk{
		Name:       c.Name,
		Arity:      c.Arity,
		LocalCount: c.LocalCount,
		Code:       c.Code,
		Constants:  c.Constants,
		Captures:   c.Captures,
	}
}

func (w wireChunk) chunk() *bytecode.Chunk {
	c := bytecode.NewChunk(w.Name)
	c.Arity = w.Arity
	c.LocalCount = w.LocalCount
	c.Code = append(c.Code, w.Code...)
	c.Constants = append(c.Constants, w.Constants...)
	c.Captures = append(c.Captures, w.Captures...)
	return c
}

func encodeCode(code *bytecode.Bytecode) wireCode {
	w := wireCode{Main: toWire(code.Main), Strings: code.Strings}
	for _, fn := range code.Functions {
		w.Functions = append(w.Functions, toWire(fn))
	}
	return w
}

func (w wireCode) bytecode() *bytecode.Bytecode {
	fns := make([]*bytecode.Chunk, len(w.Functions))
	for i, fn := range w.Functions {
		fns[i] = fn.chunk()
	}
	code := bytecode.New(w.Main.chunk(), fns...)
	code.Strings = w.Strings
	return code
}

// Hash returns the content hash of code: SHA-256 over its canonical CBOR
// encoding.
func Hash(code *bytecode.Bytecode) ([32]byte, error) {
	if code.Main == nil {
		return [32]byte{}, errors.New("bytecode has no main chunk")
	}
	data, err := cborEncMode.Marshal(encodeCode(code))
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Export encodes the newest version of the named module.
func (r *Registry) Export(name string) ([]byte, error) {
	v, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoModule, name)
	}
	return cborEncMode.Marshal(&Package{
		Module:  name,
		Version: v.Number,
		Hash:    v.Hash,
		Migrate: v.Migrate,
		Code:    encodeCode(v.Code),
	})
}

// Import decodes a package made by Export, checks its hash and loads it as
// the newest version of its module. Version numbers are local: the
// imported version is numbered after this registry's current one.
func (r *Registry) Import(data []byte) (*Version, error) {
	var p Package
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("modules: unmarshal package: %w", err)
	}
	code := p.Code.bytecode()
	computed, err := Hash(code)
	if err != nil {
		return nil, fmt.Errorf("modules: import %s: %w", p.Module, err)
	}
	if computed != p.Hash {
		return nil, fmt.Errorf("modules: import %s: %w: declared %x, computed %x", p.Module, ErrHashMismatch, p.Hash, computed)
	}
	v, err := r.Load(p.Module, code, p.Migrate)
	code.Release()
	return v, err
}
