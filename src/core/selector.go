package main

import (
	"encoding/binary"
	"math"
	"time"
)

// candidate is a router eligible for selection, owning the credit interval [low, high)
type candidate struct {
	id       RouterID
	low      uint64
	high     uint64
	credit   uint64
	selected bool
}

func (c *candidate) contains(value uint64) bool {
	return value >= c.low && value < c.high
}

// randomStream yields 16-bit draws from successive RandomSource buffers
type randomStream struct {
	src       RandomSource
	now       time.Time
	nextIndex int
	buf       [32]byte
	pos       int
}

func newRandomStream(src RandomSource, now time.Time) *randomStream {
	s := &randomStream{src: src, now: now}
	s.pos = len(s.buf)
	return s
}

// next returns false once all 256 sequence bytes have been consumed
func (s *randomStream) next() (uint64, bool) {
	if s.pos+2 > len(s.buf) {
		if s.nextIndex > math.MaxUint8 {
			return 0, false
		}
		s.buf = s.src.Random(selectionSeed(s.now, uint8(s.nextIndex)))
		s.nextIndex++
		s.pos = 0
	}
	v := binary.BigEndian.Uint16(s.buf[s.pos : s.pos+2])
	s.pos += 2
	return uint64(v), true
}

// skipSeed discards the current buffer and one sequence byte
func (s *randomStream) skipSeed() {
	s.pos = len(s.buf)
	s.nextIndex++
}

// buildCandidates carves cumulative credit intervals for routers at or above minCredibility
func buildCandidates(routers []RouterCredibility, minCredibility uint32) ([]candidate, uint64) {
	var total uint64
	candidates := make([]candidate, 0, len(routers))
	for _, r := range routers {
		if r.Credibility < minCredibility {
			continue
		}
		c := candidate{
			id:     r.ID,
			low:    total,
			high:   total + uint64(r.Credibility),
			credit: uint64(r.Credibility),
		}
		total = c.high
		candidates = append(candidates, c)
	}
	return candidates, total
}

// credibilitySelectedNumber computes how many of the selected routers are drawn by credibility
func credibilitySelectedNumber(candidates []candidate, total uint64, eval Evaluation) int {
	var trustworthyAll uint64
	if total > 0 {
		for _, c := range candidates {
			if c.credit >= uint64(eval.Threshold.TrustworthyThreshold) {
				trustworthyAll += uint64(Precision) * c.credit / total
			}
		}
	}

	ratio := trustworthyAll
	if ratio > uint64(eval.SelectionRatio.UpperLimit) {
		ratio = uint64(eval.SelectionRatio.UpperLimit)
	}
	if ratio < uint64(eval.SelectionRatio.LowerLimit) {
		ratio = uint64(eval.SelectionRatio.LowerLimit)
	}
	return int(uint64(eval.SelectedNumber) * ratio / uint64(Precision))
}

// SelectRouters picks the next active relay set. The first share of the set is drawn
// with probability proportional to credibility, the rest uniformly among the remaining
// candidates. Fewer than SelectedNumber routers are returned when too few are eligible.
func SelectRouters(routers []RouterCredibility, eval Evaluation, src RandomSource, now time.Time) []RouterID {
	selectedNumber := int(eval.SelectedNumber)
	if selectedNumber == 0 {
		return []RouterID{}
	}

	candidates, total := buildCandidates(routers, eval.Threshold.MinSelectedThreshold)
	if len(candidates) <= selectedNumber {
		selected := make([]RouterID, 0, len(candidates))
		for _, c := range candidates {
			selected = append(selected, c.id)
		}
		return selected
	}

	credibilityNum := credibilitySelectedNumber(candidates, total, eval)
	if credibilityNum > selectedNumber {
		credibilityNum = selectedNumber
	}
	selected := make([]RouterID, 0, selectedNumber)
	pick := func(idx int) {
		candidates[idx].selected = true
		selected = append(selected, candidates[idx].id)
	}

	stream := newRandomStream(src, now)

	// Weighted phase
	for len(selected) < credibilityNum {
		r, ok := stream.next()
		if !ok {
			break
		}
		position := r * total / math.MaxUint16

		start := 0
		for i := range candidates {
			if candidates[i].contains(position) || candidates[i].low > position {
				start = i
				break
			}
		}
		for n := 0; n < len(candidates); n++ {
			idx := (start + n) % len(candidates)
			if !candidates[idx].selected {
				pick(idx)
				break
			}
		}
	}

	// Uniform phase
	stream.skipSeed()
	for len(selected) < selectedNumber {
		r, ok := stream.next()
		if !ok {
			break
		}
		left := uint64(len(candidates) - len(selected))
		position := r * left / math.MaxUint16
		if position >= left {
			continue
		}

		var seen uint64
		for i := range candidates {
			if candidates[i].selected {
				continue
			}
			if seen == position {
				pick(i)
				break
			}
			seen++
		}
	}

	// Random stream exhausted: fill in candidate order
	for i := 0; i < len(candidates) && len(selected) < selectedNumber; i++ {
		if !candidates[i].selected {
			pick(i)
		}
	}

	return selected
}
