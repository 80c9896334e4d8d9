package primitives

import "testing"

func TestPoolDescriptorRoundTrip(t *testing.T) {
	p := NewPool(7, 4096, "test-pool")
	desc := p.Descriptor()

	muid, size, name, err := DecodePoolDescriptor(desc)
	if err != nil {
		t.Fatalf("DecodePoolDescriptor: %v", err)
	}
	if muid != 7 || size != 4096 || name != "test-pool" {
		t.Errorf("got (%d, %d, %q), want (7, 4096, \"test-pool\")", muid, size, name)
	}
}

func TestPoolDestroyIdempotent(t *testing.T) {
	p := NewPool(1, 1024, "p")
	if err := p.Destroy(); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
}

func TestDecodePoolDescriptorRejectsGarbage(t *testing.T) {
	if _, _, _, err := DecodePoolDescriptor("not-base64!!"); err == nil {
		t.Fatal("expected an error decoding a non-base64 descriptor")
	}
}
