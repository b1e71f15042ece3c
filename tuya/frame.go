package tuya

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Commandes du protocole local.
const (
	cmdControl = 7  // écrire des data points
	cmdDPQuery = 10 // lire l'état courant
)

const (
	framePrefix = 0x000055aa
	frameSuffix = 0x0000aa55
)

// versionHeader précède le payload chiffré des commandes CONTROL en 3.3 :
// "3.3" suivi de 12 octets nuls.
var versionHeader = append([]byte("3.3"), make([]byte, 12)...)

var (
	errBadPrefix = errors.New("tuya: bad frame prefix")
	errBadSuffix = errors.New("tuya: bad frame suffix")
	errBadCRC    = errors.New("tuya: frame crc mismatch")
)

// encodeFrame assemble une trame requête 0x55aa :
// prefix, seqno, cmd, longueur, payload, crc32, suffix.
func encodeFrame(seq, cmd uint32, payload []byte) []byte {
	buf := make([]byte, 0, 16+len(payload)+8)
	buf = binary.BigEndian.AppendUint32(buf, framePrefix)
	buf = binary.BigEndian.AppendUint32(buf, seq)
	buf = binary.BigEndian.AppendUint32(buf, cmd)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)+8))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	buf = binary.BigEndian.AppendUint32(buf, frameSuffix)
	return buf
}

// decodeFrame lit une trame réponse : même enveloppe qu'une requête avec un
// code retour de 4 octets en tête du payload.
func decodeFrame(r io.Reader) (cmd, retCode uint32, payload []byte, err error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, nil, fmt.Errorf("tuya: read header: %w", err)
	}
	if binary.BigEndian.Uint32(header[0:4]) != framePrefix {
		return 0, 0, nil, errBadPrefix
	}
	cmd = binary.BigEndian.Uint32(header[8:12])
	length := binary.BigEndian.Uint32(header[12:16])
	if length < 12 || length > 1<<16 {
		return 0, 0, nil, fmt.Errorf("tuya: implausible frame length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, 0, nil, fmt.Errorf("tuya: read body: %w", err)
	}
	if binary.BigEndian.Uint32(body[length-4:]) != frameSuffix {
		return 0, 0, nil, errBadSuffix
	}

	crcWant := binary.BigEndian.Uint32(body[length-8 : length-4])
	crcGot := crc32.ChecksumIEEE(append(header, body[:length-8]...))
	if crcGot != crcWant {
		return 0, 0, nil, errBadCRC
	}

	retCode = binary.BigEndian.Uint32(body[0:4])
	payload = body[4 : length-8]
	return cmd, retCode, payload, nil
}

// stripVersionHeader retire l'en-tête "3.3"+12 zéros si présent.
func stripVersionHeader(payload []byte) []byte {
	if len(payload) >= len(versionHeader) && bytes.HasPrefix(payload, []byte("3.3")) {
		return payload[len(versionHeader):]
	}
	return payload
}

// ecbEncrypt chiffre en AES-128-ECB avec padding PKCS#7, tel que l'attendent
// les appareils en protocole 3.3.
func ecbEncrypt(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tuya: cipher: %w", err)
	}
	plain = pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(plain))
	for i := 0; i < len(plain); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], plain[i:i+aes.BlockSize])
	}
	return out, nil
}

func ecbDecrypt(key, enc []byte) ([]byte, error) {
	if len(enc) == 0 || len(enc)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("tuya: ciphertext length %d not a block multiple", len(enc))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tuya: cipher: %w", err)
	}
	out := make([]byte, len(enc))
	for i := 0; i < len(enc); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], enc[i:i+aes.BlockSize])
	}
	return pkcs7Unpad(out)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("tuya: empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("tuya: bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("tuya: bad padding")
		}
	}
	return b[:len(b)-n], nil
}
