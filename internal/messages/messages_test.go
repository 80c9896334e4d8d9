package messages

import (
	"encoding/json"
	"testing"
)

func TestDecodeRoutesByTypeCode(t *testing.T) {
	raw, err := json.Marshal(&PoolCreate{
		Envelope: Envelope{TC: TCPoolCreate, Tag: 7},
		MUID:     1,
		Size:     1024,
		Name:     "test",
		Target:   2,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	pc, ok := msg.(*PoolCreate)
	if !ok {
		t.Fatalf("decode returned %T, want *PoolCreate", msg)
	}
	if pc.MUID != 1 || pc.Size != 1024 || pc.Name != "test" {
		t.Errorf("decoded fields mismatch: %+v", pc)
	}
}

func TestDecodeUnknownTypeCode(t *testing.T) {
	raw := []byte(`{"_tc":"NotARealMessage","tag":1}`)
	_, err := Decode(raw)
	if err != ErrUnknownType {
		t.Fatalf("got err %v, want ErrUnknownType", err)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected an error decoding malformed JSON")
	}
}

func TestTargetUIDImplementations(t *testing.T) {
	cases := []struct {
		name string
		msg  Targeted
		want int64
	}{
		{"PoolCreate", &PoolCreate{Target: 10}, 10},
		{"PoolDestroy", &PoolDestroy{Target: 11}, 11},
		{"ChannelCreate", &ChannelCreate{Target: 12}, 12},
		{"ChannelDestroy", &ChannelDestroy{Target: 13}, 13},
		{"ProcessCreate", &ProcessCreate{Target: 14}, 14},
		{"ProcessKill", &ProcessKill{Target: 15}, 15},
		{"FwdInput", &FwdInput{Target: 16}, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.TargetUID(); got != tc.want {
				t.Errorf("TargetUID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNewSuccessAndNewFail(t *testing.T) {
	ok := NewSuccess(TCPoolCreateResponse, 42)
	if ok.Err != Success || ok.Ref != 42 {
		t.Errorf("NewSuccess = %+v", ok)
	}
	fail := NewFail(TCPoolCreateResponse, 42, "boom")
	if fail.Err != Fail || fail.ErrInfo != "boom" || fail.Ref != 42 {
		t.Errorf("NewFail = %+v", fail)
	}
	if ok.Tag == fail.Tag {
		t.Error("NewSuccess and NewFail should draw distinct monotonic tags")
	}
}

func TestNextTagMonotonic(t *testing.T) {
	a := NextTag()
	b := NextTag()
	if b <= a {
		t.Errorf("NextTag() not monotonic: %d then %d", a, b)
	}
}
