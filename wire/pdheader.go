package wire

import (
	"github.com/railtrdp/trdpgo/errs"
)

// PDHeader is the full PD header field list.
type PDHeader struct {
	SeqCounter   uint32
	Version      uint16
	MsgType      string // 2 chars: Pd/Pp/Pr
	ComID        uint32
	EtbTopoCount uint32
	OpTopoCount  uint32
	PayloadSize  uint32
	Reserved     uint32
	ReplyComID   uint32 // 'Pr' only
	ReplyIP      uint32 // 'Pr' only
}

// EncodePD assembles a full PD frame: header + payload + payload-CRC
// trailer, copy-then-CRC throughout, so a pre-send callback mutating its
// own copy of the payload can never race the CRC computation.
func EncodePD(h PDHeader, payload []byte) []byte {
	frame := make([]byte, PDHeaderSize+len(payload)+PayloadCRCSize)
	putPDHeader(frame, h)
	copy(frame[PDHeaderSize:], payload)
	pcrc := Checksum(payload)
	Put32(frame[PDHeaderSize+len(payload):], pcrc)
	Put32(frame[36:40], Checksum(frame[:36]))
	return frame
}

func putPDHeader(b []byte, h PDHeader) {
	Put32(b[0:4], h.SeqCounter)
	Put16(b[4:6], h.Version)
	copy(b[6:8], h.MsgType)
	Put32(b[8:12], h.ComID)
	Put32(b[12:16], h.EtbTopoCount)
	Put32(b[16:20], h.OpTopoCount)
	Put32(b[20:24], h.PayloadSize)
	Put32(b[24:28], h.Reserved)
	Put32(b[28:32], h.ReplyComID)
	Put32(b[32:36], h.ReplyIP)
	// b[36:40] header-CRC filled by caller once the rest is final
}

// DecodePD validates and parses a PD frame in strict order: (1) min
// length, (2) protocol-version, (3) header-CRC, (4) declared
// payload-size consistent with packet length, (5) payload-CRC, (6)
// topology-count match (0 = any, always passes). Each failure returns a
// distinct errs.Kind so callers can count them separately.
func DecodePD(frame []byte, etbTopo, opTopo uint32) (PDHeader, []byte, error) {
	var h PDHeader
	if len(frame) < PDHeaderSize+PayloadCRCSize {
		return h, nil, errs.New(errs.PACKET_ERR, "pd frame too short: %d bytes", len(frame))
	}
	h = getPDHeader(frame)
	if h.Version != ProtocolVersion {
		return h, nil, errs.New(errs.WIRE_ERR, "pd protocol version mismatch: got %d want %d", h.Version, ProtocolVersion)
	}
	if Checksum(frame[:36]) != Get32(frame[36:40]) {
		return h, nil, errs.New(errs.CRC_ERR, "pd header CRC mismatch")
	}
	wantLen := PDHeaderSize + int(h.PayloadSize) + PayloadCRCSize
	if wantLen != len(frame) {
		return h, nil, errs.New(errs.PACKET_ERR, "pd payload-size %d inconsistent with frame length %d", h.PayloadSize, len(frame))
	}
	payload := frame[PDHeaderSize : PDHeaderSize+int(h.PayloadSize)]
	pcrcOff := PDHeaderSize + int(h.PayloadSize)
	if Checksum(payload) != Get32(frame[pcrcOff:pcrcOff+4]) {
		return h, nil, errs.New(errs.CRC_ERR, "pd payload CRC mismatch")
	}
	if (etbTopo != 0 && h.EtbTopoCount != 0 && etbTopo != h.EtbTopoCount) ||
		(opTopo != 0 && h.OpTopoCount != 0 && opTopo != h.OpTopoCount) {
		return h, nil, errs.New(errs.TOPO_ERR, "pd topology count mismatch: etb(%d!=%d) op(%d!=%d)", etbTopo, h.EtbTopoCount, opTopo, h.OpTopoCount)
	}
	return h, payload, nil
}

func getPDHeader(b []byte) PDHeader {
	return PDHeader{
		SeqCounter:   Get32(b[0:4]),
		Version:      Get16(b[4:6]),
		MsgType:      string(b[6:8]),
		ComID:        Get32(b[8:12]),
		EtbTopoCount: Get32(b[12:16]),
		OpTopoCount:  Get32(b[16:20]),
		PayloadSize:  Get32(b[20:24]),
		Reserved:     Get32(b[24:28]),
		ReplyComID:   Get32(b[28:32]),
		ReplyIP:      Get32(b[32:36]),
	}
}
