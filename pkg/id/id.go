// Package id generates the identifiers handed out by the server: object ids,
// session tokens and request ids.
package id

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	objectIDLength   = 10
	objectIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
		"abcdefghijklmnopqrstuvwxyz" +
		"0123456789"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0)
)

// NewObjectID returns a fresh server-assigned object id: 10 characters drawn
// uniformly from the 62-letter alphabet using a CSPRNG.
func NewObjectID() string {
	max := big.NewInt(int64(len(objectIDAlphabet)))
	buf := make([]byte, objectIDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the process has no entropy
			// source at all; nothing sensible to do.
			panic(err)
		}
		buf[i] = objectIDAlphabet[n.Int64()]
	}
	return string(buf)
}

// NewSessionToken returns a fresh session token.
func NewSessionToken() string {
	return "r:" + uuid.NewString()
}

// NewRequestID returns a sortable per-request id.
func NewRequestID() string {
	mutex.Lock()
	defer mutex.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
