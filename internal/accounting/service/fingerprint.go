package service

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/smallbiznis/hotspotd/internal/accounting/domain"
	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies an event by its session and reported counters.
// Replays of the same record hash identically regardless of arrival time.
func Fingerprint(ev domain.Event) string {
	var b strings.Builder
	b.WriteString(ev.NASID)
	b.WriteByte('|')
	b.WriteString(ev.SessionKey)
	b.WriteByte('|')
	b.WriteString(string(ev.Kind))
	for _, n := range []int64{ev.BytesIn, ev.BytesOut, ev.ElapsedSeconds} {
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(n, 10))
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
