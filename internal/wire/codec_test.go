package wire

import "testing"

func TestDecodeSinglePacket(t *testing.T) {
	c := NewMySQLCodec()
	raw := c.Encode(New(5, []byte("SELECT 1")))
	packets, consumed, need, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if need != 0 || consumed != len(raw) {
		t.Fatalf("expected full consumption, got consumed=%d need=%d", consumed, need)
	}
	if len(packets) != 1 || string(packets[0].Payload()) != "SELECT 1" || packets[0].Seq() != 5 {
		t.Fatalf("unexpected decode result: %+v", packets)
	}
}

func TestDecodeNeedsMoreBytes(t *testing.T) {
	c := NewMySQLCodec()
	raw := c.Encode(New(0, []byte("SELECT 1")))
	packets, consumed, need, err := c.Decode(raw[:5])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 0 || consumed != 0 || need <= 0 {
		t.Fatalf("expected a Need() with no packets, got packets=%d consumed=%d need=%d", len(packets), consumed, need)
	}
}

func TestDecodeMultiplePacketsInOneBuffer(t *testing.T) {
	c := NewMySQLCodec()
	buf := append(c.Encode(New(0, []byte("A"))), c.Encode(New(1, []byte("BB")))...)
	packets, consumed, need, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if need != 0 || consumed != len(buf) || len(packets) != 2 {
		t.Fatalf("expected 2 packets fully consumed, got %d packets consumed=%d need=%d", len(packets), consumed, need)
	}
}

func TestMakeErrorAndOK(t *testing.T) {
	c := NewMySQLCodec()
	errPkt := c.MakeError(1927, "08S01", "Lost connection")
	if errPkt.Payload()[0] != ErrPacketHeader {
		t.Fatalf("expected ERR header")
	}
	okPkt := c.MakeOK()
	if okPkt.Payload()[0] != OKPacketHeader {
		t.Fatalf("expected OK header")
	}
	if !IsTerminal(okPkt.Payload()) || !IsTerminal(errPkt.Payload()) {
		t.Fatalf("OK and ERR packets must both be terminal")
	}
}

func TestStatusFlagsFromOK(t *testing.T) {
	c := NewMySQLCodec()
	ok := c.MakeOK()
	flags := StatusFlags(ok.Payload())
	if flags&StatusAutocommit == 0 {
		t.Fatalf("expected autocommit flag set on synthetic OK")
	}
	if flags&StatusInTrans != 0 {
		t.Fatalf("synthetic OK should not claim to be inside a transaction")
	}
}

func TestIsErrPacket(t *testing.T) {
	c := NewMySQLCodec()
	if !IsErrPacket(c.MakeError(1064, "42000", "bad syntax").Payload()) {
		t.Fatalf("expected MakeError's packet to be recognized as an ERR packet")
	}
	if IsErrPacket(c.MakeOK().Payload()) {
		t.Fatalf("OK packet must not be recognized as an ERR packet")
	}
	if IsErrPacket(nil) {
		t.Fatalf("empty payload must not be recognized as an ERR packet")
	}
}
