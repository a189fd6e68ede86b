package router

import (
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID is short and sortable-ish: base36 time, a sequence and two random chars.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	b := []byte(strconv.FormatInt(time.Now().UnixNano(), 36))
	b = append(b, '-')
	b = strconv.AppendUint(b, n, 36)
	b = append(b, alpha[rand.IntN(len(alpha))], alpha[rand.IntN(len(alpha))])
	return string(b)
}
