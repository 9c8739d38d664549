package accesscode

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16
)

// alphabet omits 0/O and 1/I/L so codes survive being read aloud.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

var (
	dummyOnce sync.Once
	dummyHash string
)

// Generate returns a random access code of length characters.
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("access code length must be positive")
	}
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Normalize upper-cases and strips separators users tend to type.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// Hash returns the Argon2id encoding of the normalized access code.
func Hash(code string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(Normalize(code)), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	saltB64 := base64.RawStdEncoding.EncodeToString(salt)
	hashB64 := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", argonMemory, argonTime, argonThreads, saltB64, hashB64), nil
}

// Verify checks code against an encoded Argon2id hash in constant time.
func Verify(code, encoded string) bool {
	memory, timeCost, threads, salt, hash, ok := decode(encoded)
	if !ok {
		return false
	}
	check := argon2.IDKey([]byte(Normalize(code)), salt, timeCost, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, check) == 1
}

// VerifyDummy burns the same work as Verify for unknown accounts.
func VerifyDummy(code string) {
	dummyOnce.Do(func() {
		dummyHash, _ = Hash("dummy-access-code")
	})
	_ = Verify(code, dummyHash)
}

func decode(encoded string) (memory, timeCost uint32, threads uint8, salt, hash []byte, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != "v=19" {
		return
	}

	params := strings.Split(parts[3], ",")
	if len(params) != 3 {
		return
	}
	values := make([]uint64, 3)
	for i, prefix := range []string{"m=", "t=", "p="} {
		raw, found := strings.CutPrefix(params[i], prefix)
		if !found {
			return
		}
		bits := 32
		if prefix == "p=" {
			bits = 8
		}
		v, err := strconv.ParseUint(raw, 10, bits)
		if err != nil {
			return
		}
		values[i] = v
	}

	var err error
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return
	}
	if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return
	}
	return uint32(values[0]), uint32(values[1]), uint8(values[2]), salt, hash, true
}
