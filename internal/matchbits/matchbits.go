// Package matchbits implements the 64-bit match-bits layout of §6.1: the
// only wire format this core owns. Tag comparisons (C3) go through Matches;
// commands and control messages build their match-bits with Encode.
package matchbits

// Field widths, chosen so tag gets the bulk of the 64 bits while still
// leaving room for the rendezvous and control sub-fields §6.1 requires.
// tag(32) + tagged/cq_data/match_comp(3) + tx_id(8) + rdzv_lo(6) +
// rdzv_hi(6) + rdzv_lac(3) + rdzv_done(1) + rdzv_proto(2) + le_type(2) = 63
// bits, leaving the top bit of the word unused.
const (
	tagBits     = 32
	txIDBits    = 8
	rdzvLoBits  = 6
	rdzvHiBits  = 6
	rdzvLACBits = 3
	leTypeBits  = 2

	tagShift    = 0
	taggedShift = tagBits
	cqDataShift = taggedShift + 1
	matchCShift = cqDataShift + 1
	txIDShift   = matchCShift + 1
	rdzvLoShift = txIDShift + txIDBits
	rdzvHiShift = rdzvLoShift + rdzvLoBits
	rdzvLACShf  = rdzvHiShift + rdzvHiBits
	rdzvDoneShf = rdzvLACShf + rdzvLACBits
	rdzvProtShf = rdzvDoneShf + 1
	leTypeShift = rdzvProtShf + 2

	tagMask    = (uint64(1) << tagBits) - 1
	txIDMask   = (uint64(1) << txIDBits) - 1
	rdzvLoMask = (uint64(1) << rdzvLoBits) - 1
	rdzvHiMask = (uint64(1) << rdzvHiBits) - 1
	rdzvLACMsk = (uint64(1) << rdzvLACBits) - 1
	protoMask  = uint64(3)
	leTypeMask = (uint64(1) << leTypeBits) - 1
)

// LEType identifies the kind of match entry/message a set of match-bits
// describes.
type LEType uint8

const (
	LERX LEType = iota
	LEZBP
	LECtrl
)

// RdzvProto selects the rendezvous protocol. Only Restricted is
// implemented; Write is refused at config-validation time (§9 Open
// Question iii).
type RdzvProto uint8

const (
	RdzvProtoRestricted RdzvProto = iota
	RdzvProtoWrite
)

// Bits is the decoded form of a 64-bit match-bits value.
type Bits struct {
	Tag        uint64
	Tagged     bool
	CQData     bool
	MatchComp  bool
	TxID       uint8
	RdzvIDLo   uint8
	RdzvIDHi   uint8
	RdzvLAC    uint8
	RdzvDone   bool
	RdzvProto  RdzvProto
	LEType     LEType
}

// Encode packs Bits into the 64-bit wire value.
func Encode(b Bits) uint64 {
	var v uint64
	v |= (b.Tag & tagMask) << tagShift
	if b.Tagged {
		v |= 1 << taggedShift
	}
	if b.CQData {
		v |= 1 << cqDataShift
	}
	if b.MatchComp {
		v |= 1 << matchCShift
	}
	v |= (uint64(b.TxID) & txIDMask) << txIDShift
	v |= (uint64(b.RdzvIDLo) & rdzvLoMask) << rdzvLoShift
	v |= (uint64(b.RdzvIDHi) & rdzvHiMask) << rdzvHiShift
	v |= (uint64(b.RdzvLAC) & rdzvLACMsk) << rdzvLACShf
	if b.RdzvDone {
		v |= 1 << rdzvDoneShf
	}
	v |= (uint64(b.RdzvProto) & protoMask) << rdzvProtShf
	v |= (uint64(b.LEType) & leTypeMask) << leTypeShift
	return v
}

// Decode unpacks a 64-bit wire value into Bits.
func Decode(v uint64) Bits {
	return Bits{
		Tag:       (v >> tagShift) & tagMask,
		Tagged:    (v>>taggedShift)&1 != 0,
		CQData:    (v>>cqDataShift)&1 != 0,
		MatchComp: (v>>matchCShift)&1 != 0,
		TxID:      uint8((v >> txIDShift) & txIDMask),
		RdzvIDLo:  uint8((v >> rdzvLoShift) & rdzvLoMask),
		RdzvIDHi:  uint8((v >> rdzvHiShift) & rdzvHiMask),
		RdzvLAC:   uint8((v >> rdzvLACShf) & rdzvLACMsk),
		RdzvDone:  (v>>rdzvDoneShf)&1 != 0,
		RdzvProto: RdzvProto((v >> rdzvProtShf) & protoMask),
		LEType:    LEType((v >> leTypeShift) & leTypeMask),
	}
}

// RdzvID reassembles the split rendezvous transaction id from its lo/hi
// halves as carried in match-bits.
func RdzvID(b Bits) uint16 {
	return uint16(b.RdzvIDHi)<<rdzvLoBits | uint16(b.RdzvIDLo)
}

// SplitRdzvID splits a rendezvous transaction id into the lo/hi halves
// match-bits carries.
func SplitRdzvID(id uint16) (lo, hi uint8) {
	return uint8(uint64(id) & rdzvLoMask), uint8((uint64(id) >> rdzvLoBits) & rdzvHiMask)
}

// Matches implements tag_match: (send XOR recv) AND NOT ignore == 0, over
// every bit of the values passed in. No field is masked out here; the
// receive engine passes raw tag values, so only tag bits are compared there.
func Matches(sendBits, recvBits, ignore uint64) bool {
	return (sendBits^recvBits)&^ignore == 0
}
