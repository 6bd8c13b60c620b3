package ipa

import "testing"

func TestEncodeDecodeBufferID(t *testing.T) {
	cases := []struct {
		base BufferID
		slot uint32
	}{
		{ParamBase, 0},
		{ParamBase, 3},
		{StatBase, 0},
		{StatBase, 4},
	}
	for _, c := range cases {
		id := EncodeBufferID(c.base, c.slot)
		role, slot := DecodeBufferID(id)
		if role != c.base {
			t.Errorf("EncodeBufferID(%v, %d) decoded role = %v, want %v", c.base, c.slot, role, c.base)
		}
		if slot != c.slot {
			t.Errorf("EncodeBufferID(%v, %d) decoded slot = %d, want %d", c.base, c.slot, slot, c.slot)
		}
	}
}

func TestParamAndStatIDsDoNotCollide(t *testing.T) {
	for slot := uint32(0); slot < 8; slot++ {
		p := EncodeBufferID(ParamBase, slot)
		s := EncodeBufferID(StatBase, slot)
		if p == s {
			t.Errorf("slot %d: param id %v collides with stat id %v", slot, p, s)
		}
	}
}
