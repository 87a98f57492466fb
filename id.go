package sessionkit

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	mrand "math/rand/v2"
	"strings"
	"sync"
)

// workerSeparator joins the random part of a session id and the worker name.
const workerSeparator = '.'

// rngPool reuses *math/rand/v2.Rand instances to amortize the cost of
// seeding from crypto/rand.
var rngPool = sync.Pool{}

func generateID() (string, error) {
	ptr := idBufferPool.Get().(*[]byte)
	b := *ptr

	entropy := b[:16]

	v := rngPool.Get()
	var rng *mrand.Rand
	if v == nil {
		var seed [32]byte
		if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
			clear(b)
			idBufferPool.Put(ptr)
			return "", err
		}
		rng = mrand.New(mrand.NewChaCha8(seed))
	} else {
		rng = v.(*mrand.Rand)
	}

	binary.LittleEndian.PutUint64(entropy[0:8], rng.Uint64())
	binary.LittleEndian.PutUint64(entropy[8:16], rng.Uint64())
	rngPool.Put(rng)

	hexDst := b[16:]
	hex.Encode(hexDst, entropy)
	id := string(hexDst)

	clear(b)
	idBufferPool.Put(ptr)
	return id, nil
}

// newSessionID returns a random id scoped to workerName ("<hex>.<worker>").
func newSessionID(workerName string) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}
	if workerName == "" {
		return id, nil
	}
	return id + string(workerSeparator) + workerName, nil
}

// validIDChars is a lookup table for valid hex characters (0-9, a-f).
var validIDChars = [256]bool{}

func init() {
	for i := 0; i < len(validIDChars); i++ {
		c := byte(i)
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			validIDChars[i] = true
		}
	}
}

func isValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < 32; i++ {
		if !validIDChars[id[i]] {
			return false
		}
	}
	return true
}

// belongsToWorker reports whether id was generated by a manager named workerName.
func belongsToWorker(id, workerName string) bool {
	base, worker, found := strings.Cut(id, string(workerSeparator))
	if !isValidID(base) {
		return false
	}
	if workerName == "" {
		return !found
	}
	return found && worker == workerName
}

func isValidWorkerName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
