package proto

import "testing"

func TestChannelTableQuota(t *testing.T) {
	tbl := NewChannelTable(2)
	id1, ok := tbl.Open(ModeRead)
	if !ok || id1 == 0 {
		t.Fatalf("first Open failed")
	}
	id2, ok := tbl.Open(ModeWrite)
	if !ok || id2 == id1 {
		t.Fatalf("second Open failed or collided")
	}
	if _, ok := tbl.Open(ModeReadWrite); ok {
		t.Fatalf("third Open should have failed quota")
	}
	if !tbl.Close(id1) {
		t.Fatalf("Close(id1) should have reported present")
	}
	if _, ok := tbl.Open(ModeReadWrite); !ok {
		t.Fatalf("Open after freeing a slot should succeed")
	}
}

func TestChannelTableModeAndLen(t *testing.T) {
	tbl := NewChannelTable(0)
	id, _ := tbl.Open(ModeReadWrite)
	mode, ok := tbl.Mode(id)
	if !ok || mode != ModeReadWrite {
		t.Fatalf("Mode(%d) = (%v, %v), want (ReadWrite, true)", id, mode, ok)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	tbl.Close(id)
	if tbl.Len() != 0 {
		t.Fatalf("Len() after Close = %d, want 0", tbl.Len())
	}
	if _, ok := tbl.Mode(id); ok {
		t.Fatalf("Mode after Close should report absent")
	}
}

func TestChannelTableInsert(t *testing.T) {
	tbl := NewChannelTable(1)
	if !tbl.Insert(42, ModeRead) {
		t.Fatalf("Insert should succeed under quota")
	}
	if tbl.Insert(43, ModeRead) {
		t.Fatalf("second Insert should fail: quota exhausted")
	}
	mode, ok := tbl.Mode(42)
	if !ok || mode != ModeRead {
		t.Fatalf("Mode(42) = (%v, %v)", mode, ok)
	}
}
