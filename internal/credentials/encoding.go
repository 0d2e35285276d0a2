package credentials

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// maxDecodedSize bounds decompression of untrusted session strings.
const maxDecodedSize = 256 << 20

// Decode turns an encoded session string into a raw credential document.
// Accepts standard or URL-safe base64, padded or not, of either the raw
// document or its zstd compression.
func Decode(encoded string) ([]byte, error) {
	encoded = strings.Join(strings.Fields(encoded), "")
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty session string", ErrInvalidCredential)
	}

	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidCredential, err)
	}

	if !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidCredential, err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidCredential, err)
	}
	return out, nil
}

// Encode compresses a credential document and encodes it as standard base64.
func Encode(blob []byte) (string, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return "", fmt.Errorf("zstd: %w", err)
	}
	defer enc.Close()
	return base64.StdEncoding.EncodeToString(enc.EncodeAll(blob, nil)), nil
}
