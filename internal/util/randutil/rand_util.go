package randutil

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"sync"
	"time"
)

// NewCryptoSeededConcurrentSafeRand returns a pseudo-random source seeded from
// crypto/rand so that workers on different hosts don't share a sequence, and
// wrapped so that it's safe for concurrent use. None of its uses need
// cryptographic security.
func NewCryptoSeededConcurrentSafeRand() *mathrand.Rand {
	var seed int64
	if err := binary.Read(cryptorand.Reader, binary.BigEndian, &seed); err != nil {
		panic(err)
	}

	return mathrand.New(&concurrentSafeSource{innerSource: mathrand.NewSource(seed)})
}

// DurationBetween returns a random duration in the range [min, max).
func DurationBetween(rand *mathrand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return time.Duration(rand.Int63n(int64(max-min))) + min
}

type concurrentSafeSource struct {
	innerSource mathrand.Source
	mu          sync.Mutex
}

func (s *concurrentSafeSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.innerSource.Int63()
}

func (s *concurrentSafeSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.innerSource.Seed(seed)
}
