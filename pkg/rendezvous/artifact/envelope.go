package artifact

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
)

// EnvelopeVersion is the required envelope_version field value (§6.1).
const EnvelopeVersion uint16 = 2

// AlgorithmID is the required algorithm_id field literal (§6.1).
const AlgorithmID = "AES-256-GCM+PBKDF2-SHA256"

const saltLen = 32

// ErrCorrupt indicates the envelope is structurally malformed.
var ErrCorrupt = errors.New("artifact: corrupt envelope")

// ErrWrongKey indicates AEAD authentication failed, meaning the supplied
// bootstrap_secret does not match the one used to encode the artifact.
var ErrWrongKey = errors.New("artifact: wrong bootstrap secret")

// ErrExpired indicates the envelope decoded and authenticated correctly
// but its expiry_time has already passed.
var ErrExpired = errors.New("artifact: expired")

// ErrUnsupportedVersion indicates an envelope_version or algorithm_id this
// decoder does not understand.
var ErrUnsupportedVersion = errors.New("artifact: unsupported envelope version")

// Encode implements §4.2 encode(): choose a random salt, derive
// file_key = PBKDF2(bootstrap_secret, salt), pick a random nonce, seal the
// canonical inner encoding with empty AAD, and emit the §6.1 envelope.
func Encode(a Artifact, bootstrapSecret []byte) ([]byte, error) {
	inner, err := a.encode()
	if err != nil {
		return nil, err
	}

	salt, err := primitives.Random(saltLen)
	if err != nil {
		return nil, fmt.Errorf("artifact: generate salt: %w", err)
	}
	fileKey, err := primitives.PBKDF2SHA256(bootstrapSecret, salt, primitives.PBKDF2Iterations, primitives.KeySize)
	if err != nil {
		return nil, fmt.Errorf("artifact: derive file key: %w", err)
	}
	defer primitives.Zero(fileKey)

	nonce, err := primitives.Random(primitives.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("artifact: generate nonce: %w", err)
	}

	sealed, err := primitives.Seal(fileKey, nonce, nil, inner)
	if err != nil {
		return nil, fmt.Errorf("artifact: seal: %w", err)
	}
	// Seal returns ciphertext with the tag appended; split per the
	// envelope's separate ciphertext and auth_tag fields.
	if len(sealed) < primitives.TagSize {
		return nil, fmt.Errorf("artifact: sealed output shorter than a tag")
	}
	ciphertext := sealed[:len(sealed)-primitives.TagSize]
	tag := sealed[len(sealed)-primitives.TagSize:]

	return buildEnvelope(salt, nonce, ciphertext, tag), nil
}

// Decode implements §4.2 decode(): parse the envelope, re-derive file_key,
// authenticate and decrypt the inner record, and reject an artifact whose
// expiry_time has already passed.
func Decode(blob []byte, bootstrapSecret []byte) (Artifact, error) {
	salt, nonce, ciphertext, tag, err := parseEnvelope(blob)
	if err != nil {
		return Artifact{}, err
	}

	fileKey, err := primitives.PBKDF2SHA256(bootstrapSecret, salt, primitives.PBKDF2Iterations, primitives.KeySize)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact: derive file key: %w", err)
	}
	defer primitives.Zero(fileKey)

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	inner, err := primitives.Open(fileKey, nonce, nil, sealed)
	if err != nil {
		return Artifact{}, ErrWrongKey
	}

	a, err := decode(inner)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if time.Now().Unix() > a.ExpiryTime {
		return Artifact{}, ErrExpired
	}
	return a, nil
}

// buildEnvelope renders the fixed §6.1 outer fields: envelope_version,
// algorithm_id, kdf_iterations, salt, nonce, ciphertext, auth_tag.
func buildEnvelope(salt, nonce, ciphertext, tag []byte) []byte {
	algo := []byte(AlgorithmID)
	size := 2 + 2 + len(algo) + 4 + len(salt) + len(nonce) + 4 + len(ciphertext) + len(tag)
	buf := make([]byte, 0, size)
	buf = appendU16(buf, EnvelopeVersion)
	buf = appendU16(buf, uint16(len(algo)))
	buf = append(buf, algo...)
	buf = appendU32(buf, primitives.PBKDF2Iterations)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = appendU32(buf, uint32(len(ciphertext)))
	buf = append(buf, ciphertext...)
	buf = append(buf, tag...)
	return buf
}

func parseEnvelope(blob []byte) (salt, nonce, ciphertext, tag []byte, err error) {
	r := &reader{buf: blob}

	version := r.u16()
	algoLen := int(r.u16())
	algo := r.bytes(algoLen)
	iterations := r.u32()
	saltBytes := r.bytes(saltLen)
	nonceBytes := r.bytes(primitives.NonceSize)
	ciphertextLen := int(r.u32())
	ciphertextBytes := r.bytes(ciphertextLen)
	tagBytes := r.bytes(primitives.TagSize)

	if r.err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
	}
	if r.remaining() != 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: trailing bytes in envelope", ErrCorrupt)
	}
	if version != EnvelopeVersion {
		return nil, nil, nil, nil, ErrUnsupportedVersion
	}
	if string(algo) != AlgorithmID {
		return nil, nil, nil, nil, ErrUnsupportedVersion
	}
	if iterations != primitives.PBKDF2Iterations {
		return nil, nil, nil, nil, ErrUnsupportedVersion
	}

	return saltBytes, nonceBytes, ciphertextBytes, tagBytes, nil
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func appendU32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}
