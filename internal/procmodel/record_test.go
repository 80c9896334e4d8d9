package procmodel

import "testing"

func TestRecordMarkReapedGuardsDoubleProcessing(t *testing.T) {
	r := &Record{PUID: 1, PID: 100}
	if already := r.MarkReaped(); already {
		t.Fatal("first MarkReaped should report already=false")
	}
	if already := r.MarkReaped(); !already {
		t.Fatal("second MarkReaped should report already=true")
	}
}
