// Package propagation implements §4.5's throttled upward-update protocol:
// a per-node token bucket bounding how many summary bytes per second a
// peer sends to its father, plus change-detection so back-to-back updates
// that do not move the joined summary beyond the policy's
// equalWithinThreshold predicate are suppressed rather than resent.
//
// Grounded on spec.md §9's "token bucket for upward publish" design note;
// golang.org/x/time/rate is used by the KhryptorGraphics-OllamaMax example
// for request-rate limiting, repurposed here from a requests/sec budget to
// a bytes/sec budget via ReserveN.
package propagation

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"github.com/jcelaya/stars/internal/availability"
	"github.com/jcelaya/stars/internal/wire"
)

// Publisher throttles and deduplicates one node's upward summary updates.
// Not safe for concurrent use; every peer drives it from its single event
// loop (§5).
type Publisher struct {
	log       hclog.Logger
	limiter   *rate.Limiter
	threshold float64

	last     availability.Summary
	sequence uint64
}

// New creates a Publisher capped at bandwidthBytesPerSec, allowing bursts
// up to burstBytes, and suppressing re-sends whose joined summary is
// unchanged within threshold.
func New(log hclog.Logger, bandwidthBytesPerSec float64, burstBytes int, threshold float64) *Publisher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if burstBytes < 1 {
		burstBytes = 1
	}
	return &Publisher{
		log:       log.Named("propagation"),
		limiter:   rate.NewLimiter(rate.Limit(bandwidthBytesPerSec), burstBytes),
		threshold: threshold,
	}
}

// Offer proposes publishing s upward. It returns ok=false if s does not
// differ enough from the last published summary to be worth sending
// (change-detection suppression). Otherwise it returns the encoded
// AvailabilityUpdate and the delay the caller must wait before the token
// bucket allows the send — zero if it may be sent immediately. The caller
// is expected to actually perform the send (or schedule it via the peer's
// timer queue) and must not call Offer again for the same logical update.
func (p *Publisher) Offer(s availability.Summary, now time.Time) (wire.AvailabilityUpdate, time.Duration, bool, error) {
	if p.last != nil && p.last.EqualWithinThreshold(s, p.threshold) {
		return wire.AvailabilityUpdate{}, 0, false, nil
	}

	body, err := msgpack.Marshal(s)
	if err != nil {
		return wire.AvailabilityUpdate{}, 0, false, err
	}

	reservation := p.limiter.ReserveN(now, len(body))
	if !reservation.OK() {
		// The update is larger than the bucket could ever hold even at
		// full burst; send it anyway rather than starving forever, but
		// log loudly since it signals a misconfigured update_bw.
		p.log.Warn("availability update exceeds bucket burst size, sending unthrottled",
			"bytes", len(body), "burst", p.limiter.Burst())
		p.last = s.Clone()
		p.sequence++
		return wire.AvailabilityUpdate{Policy: s.Policy(), Summary: body, Sequence: p.sequence}, 0, true, nil
	}

	delay := reservation.DelayFrom(now)
	p.last = s.Clone()
	p.sequence++
	return wire.AvailabilityUpdate{Policy: s.Policy(), Summary: body, Sequence: p.sequence}, delay, true, nil
}

// LastPublished returns the most recently published summary, or nil if
// none has been sent yet.
func (p *Publisher) LastPublished() availability.Summary {
	return p.last
}

// Receiver tracks, per sender, the last accepted AvailabilityUpdate
// sequence number, enforcing §6's "ignore non-increasing updates" rule.
type Receiver struct {
	lastSeq map[string]uint64
}

// NewReceiver creates an empty Receiver.
func NewReceiver() *Receiver {
	return &Receiver{lastSeq: make(map[string]uint64)}
}

// Accept reports whether update from senderKey should be applied: true iff
// its Sequence strictly increases over the last one accepted from that
// sender. On acceptance the bookkeeping is updated.
func (r *Receiver) Accept(senderKey string, update wire.AvailabilityUpdate) bool {
	if update.Sequence <= r.lastSeq[senderKey] {
		return false
	}
	r.lastSeq[senderKey] = update.Sequence
	return true
}
