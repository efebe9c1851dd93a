package ddp

import (
	"math/rand/v2"
	"strconv"
	"sync/atomic"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz1234567890"

// subscriptionIDLength matches the token length the web client uses.
const subscriptionIDLength = 17

// idAllocator hands out request ids for one connection. Method calls get
// sequential integers, subscriptions get random tokens; both land in the
// same Registry, which rejects any collision.
type idAllocator struct {
	next atomic.Uint64
}

func (a *idAllocator) methodID() string {
	return strconv.FormatUint(a.next.Add(1), 10)
}

func (a *idAllocator) subscriptionID() string {
	return randomToken(subscriptionIDLength)
}

// randomToken returns n characters drawn from [a-z0-9].
func randomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return string(b)
}
