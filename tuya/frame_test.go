package tuya

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

// respondFrame fabrique une trame réponse telle que l'appareil l'émet :
// l'enveloppe requête plus un code retour de 4 octets en tête du corps.
func respondFrame(cmd, ret uint32, payload []byte) []byte {
	buf := make([]byte, 0, 16+len(payload)+12)
	buf = binary.BigEndian.AppendUint32(buf, framePrefix)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, cmd)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)+12))
	buf = binary.BigEndian.AppendUint32(buf, ret)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	buf = binary.BigEndian.AppendUint32(buf, frameSuffix)
	return buf
}

func TestEncodeFrameLayout(t *testing.T) {
	payload := []byte("hello")
	frame := encodeFrame(42, cmdControl, payload)

	if got := binary.BigEndian.Uint32(frame[0:4]); got != framePrefix {
		t.Errorf("prefix = %#x", got)
	}
	if got := binary.BigEndian.Uint32(frame[4:8]); got != 42 {
		t.Errorf("seq = %d", got)
	}
	if got := binary.BigEndian.Uint32(frame[8:12]); got != cmdControl {
		t.Errorf("cmd = %d", got)
	}
	// Longueur = payload + crc + suffix.
	if got := binary.BigEndian.Uint32(frame[12:16]); got != uint32(len(payload)+8) {
		t.Errorf("length = %d, want %d", got, len(payload)+8)
	}
	if !bytes.Equal(frame[16:16+len(payload)], payload) {
		t.Error("payload mismatch")
	}
	crcWant := crc32.ChecksumIEEE(frame[:16+len(payload)])
	if got := binary.BigEndian.Uint32(frame[16+len(payload):]); got != crcWant {
		t.Errorf("crc = %#x, want %#x", got, crcWant)
	}
	if got := binary.BigEndian.Uint32(frame[len(frame)-4:]); got != frameSuffix {
		t.Errorf("suffix = %#x", got)
	}
}

func TestDecodeFrame(t *testing.T) {
	payload := []byte(`{"dps":{"1":true}}`)
	frame := respondFrame(cmdDPQuery, 0, payload)

	cmd, ret, got, err := decodeFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if cmd != cmdDPQuery {
		t.Errorf("cmd = %d", cmd)
	}
	if ret != 0 {
		t.Errorf("retcode = %d", ret)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q", got)
	}
}

func TestDecodeFrameBadPrefix(t *testing.T) {
	frame := respondFrame(cmdDPQuery, 0, []byte("x"))
	frame[0] = 0xff
	if _, _, _, err := decodeFrame(bytes.NewReader(frame)); !errors.Is(err, errBadPrefix) {
		t.Errorf("err = %v, want bad prefix", err)
	}
}

func TestDecodeFrameBadCRC(t *testing.T) {
	frame := respondFrame(cmdDPQuery, 0, []byte("payload"))
	frame[20] ^= 0xff // corrompre le corps
	if _, _, _, err := decodeFrame(bytes.NewReader(frame)); !errors.Is(err, errBadCRC) {
		t.Errorf("err = %v, want crc mismatch", err)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	frame := respondFrame(cmdDPQuery, 0, []byte("payload"))
	if _, _, _, err := decodeFrame(bytes.NewReader(frame[:20])); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestECBRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	for _, plain := range []string{
		"",
		"a",
		"exactly sixteen!",
		`{"devId":"dev1","dps":{"1":true}}`,
	} {
		enc, err := ecbEncrypt(key, []byte(plain))
		if err != nil {
			t.Fatal(err)
		}
		if len(enc)%16 != 0 {
			t.Errorf("ciphertext %d not block aligned", len(enc))
		}
		dec, err := ecbDecrypt(key, enc)
		if err != nil {
			t.Fatal(err)
		}
		if string(dec) != plain {
			t.Errorf("round trip: got %q, want %q", dec, plain)
		}
	}
}

func TestECBDecryptBadInput(t *testing.T) {
	key := []byte("0123456789abcdef")
	if _, err := ecbDecrypt(key, []byte("short")); err == nil {
		t.Error("expected error for non block multiple")
	}
}

func TestStripVersionHeader(t *testing.T) {
	enc := []byte("ciphertextciphert")
	withHeader := append(append([]byte{}, versionHeader...), enc...)
	if got := stripVersionHeader(withHeader); !bytes.Equal(got, enc) {
		t.Errorf("header not stripped: %q", got)
	}
	if got := stripVersionHeader(enc); !bytes.Equal(got, enc) {
		t.Errorf("headerless payload altered: %q", got)
	}
}

func TestPKCS7(t *testing.T) {
	padded := pkcs7Pad([]byte("abc"), 16)
	if len(padded) != 16 {
		t.Fatalf("padded length = %d", len(padded))
	}
	if padded[15] != 13 {
		t.Errorf("pad byte = %d, want 13", padded[15])
	}
	if _, err := pkcs7Unpad([]byte{1, 2, 3, 200}); err == nil {
		t.Error("expected bad padding error")
	}
}
