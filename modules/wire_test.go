package modules

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestExportImport(t *testing.T) {
	src := NewRegistry()
	src.Load("counter", counter(nil), NoMigration)
	v2, _ := src.Load("counter", counter(double()), 0)

	data, err := src.Export("counter")
	if err != nil {
		t.Fatal(err)
	}
	dst := NewRegistry()
	v, err := dst.Import(data)
	if err != nil {
		t.Fatal(err)
	}
	if v.Hash != v2.Hash {
		t.Errorf("imported hash %x, want %x", v.Hash, v2.Hash)
	}
	if v.Number != 1 || v.Migrate != 0 {
		t.Errorf("imported %s migrate=%d, want v1 migrate=0", v, v.Migrate)
	}
	if len(v.Code.Functions) != 1 || v.Code.Functions[0].Name != "double" {
		t.Errorf("functions = %+v", v.Code.Functions)
	}
	if again, _ := dst.Import(data); again != v {
		t.Error("importing the same package twice made a new version")
	}
	if _, err := dst.Export("missing"); !errors.Is(err, ErrNoModule) {
		t.Errorf("Export(missing) = %v, want ErrNoModule", err)
	}
}

func TestImportRejectsTamperedCode(t *testing.T) {
	src := NewRegistry()
	src.Load("counter", counter(nil), NoMigration)
	data, _ := src.Export("counter")

	var p Package
	if err := cbor.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	p.Code.Main.Constants[0].Str = "other"
	tampered, err := cborEncMode.Marshal(&p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewRegistry().Import(tampered); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("Import(tampered) = %v, want ErrHashMismatch", err)
	}
	if _, err := NewRegistry().Import([]byte{0xff}); err == nil {
		t.Error("Import of garbage succeeded")
	}
}

func TestHashCoversSignature(t *testing.T) {
	a := counter(double())
	b := counter(double())
	b.Functions[0].LocalCount = 1
	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha == hb {
		t.Error("hash ignores a function's local count")
	}
	hc, _ := Hash(counter(double()))
	if ha != hc {
		t.Error("hash of identical code differs")
	}
}
