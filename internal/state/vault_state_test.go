package state

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"strings"
	"testing"
)

func TestAppendString_LongValuesDoNotCollide(t *testing.T) {
	// ("", k*255+"\x00") and ("\x00"+k*255, "") share bytes under an 8-bit
	// length prefix
	tail := strings.Repeat("k", 255)
	a := appendString(appendString(nil, ""), tail+"\x00")
	b := appendString(appendString(nil, "\x00"+tail), "")
	if bytes.Equal(a, b) {
		t.Fatal("distinct field pairs must encode differently")
	}

	long := strings.Repeat("x", 300)
	buf := appendString(nil, long)
	n, k := binary.Uvarint(buf)
	if n != 300 || string(buf[k:]) != long {
		t.Errorf("expected 300-byte prefix and payload, got n=%d k=%d len=%d", n, k, len(buf))
	}
}

func TestAppendBigInt_LongMagnitude(t *testing.T) {
	v := new(big.Int).Lsh(big.NewInt(1), 2100) // 263 bytes
	buf := appendBigInt(nil, new(big.Int).Neg(v))
	if buf[0] != 1 {
		t.Errorf("expected negative sign byte, got %d", buf[0])
	}
	n, k := binary.Uvarint(buf[1:])
	if n != uint64(len(v.Bytes())) {
		t.Fatalf("expected length %d, got %d", len(v.Bytes()), n)
	}
	if got := new(big.Int).SetBytes(buf[1+k:]); got.Cmp(v) != 0 {
		t.Errorf("magnitude mismatch")
	}

	if !bytes.Equal(appendBigInt(nil, nil), appendBigInt(nil, new(big.Int))) {
		t.Error("nil and zero should hash alike")
	}
}
