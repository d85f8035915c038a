package wire

import "github.com/railtrdp/trdpgo/errs"

// MDHeader is the full MD header field list. Its on-wire size
// (MDHeaderSize, 124 bytes) differs from the 44-byte figure sometimes
// quoted for the MD header because the UUID and the two 32-byte URIs
// alone take 80 bytes.
type MDHeader struct {
	SeqCounter    uint32
	Version       uint16
	MsgType       string // 2 chars: Mn/Mr/Mp/Mq/Mc/Me
	ComID         uint32
	EtbTopoCount  uint32
	OpTopoCount   uint32
	PayloadSize   uint32
	Reserved      uint32
	SessionUUID   [16]byte
	ReplyStatus   int32
	NumReplies    uint32 // number-of-expected-replies; 0 = unknown
	ReplyTimeout  uint32 // microseconds
	SourceURI     string
	DestURI       string
}

func EncodeMD(h MDHeader, payload []byte) []byte {
	frame := make([]byte, MDHeaderSize+len(payload)+PayloadCRCSize)
	putMDHeader(frame, h)
	copy(frame[MDHeaderSize:], payload)
	Put32(frame[MDHeaderSize+len(payload):], Checksum(payload))
	Put32(frame[MDHeaderSize-4:MDHeaderSize], Checksum(frame[:MDHeaderSize-4]))
	return frame
}

func putMDHeader(b []byte, h MDHeader) {
	Put32(b[0:4], h.SeqCounter)
	Put16(b[4:6], h.Version)
	copy(b[6:8], h.MsgType)
	Put32(b[8:12], h.ComID)
	Put32(b[12:16], h.EtbTopoCount)
	Put32(b[16:20], h.OpTopoCount)
	Put32(b[20:24], h.PayloadSize)
	Put32(b[24:28], h.Reserved)
	copy(b[28:44], h.SessionUUID[:])
	Put32(b[44:48], uint32(h.ReplyStatus))
	Put32(b[48:52], h.NumReplies)
	Put32(b[52:56], h.ReplyTimeout)
	putURI(b[56:88], h.SourceURI)
	putURI(b[88:120], h.DestURI)
	// b[120:124] header-CRC filled by caller
}

func putURI(b []byte, s string) {
	for i := range b {
		b[i] = 0
	}
	copy(b, s)
}

func getURI(b []byte) string {
	n := len(b)
	for i, c := range b {
		if c == 0 {
			n = i
			break
		}
	}
	return string(b[:n])
}

// DecodeMD validates and parses an MD frame following the same ordering
// discipline as DecodePD.
func DecodeMD(frame []byte, etbTopo, opTopo uint32) (MDHeader, []byte, error) {
	var h MDHeader
	if len(frame) < MDHeaderSize+PayloadCRCSize {
		return h, nil, errs.New(errs.PACKET_ERR, "md frame too short: %d bytes", len(frame))
	}
	h = getMDHeader(frame)
	if h.Version != ProtocolVersion {
		return h, nil, errs.New(errs.WIRE_ERR, "md protocol version mismatch: got %d want %d", h.Version, ProtocolVersion)
	}
	if Checksum(frame[:MDHeaderSize-4]) != Get32(frame[MDHeaderSize-4:MDHeaderSize]) {
		return h, nil, errs.New(errs.CRC_ERR, "md header CRC mismatch")
	}
	wantLen := MDHeaderSize + int(h.PayloadSize) + PayloadCRCSize
	if wantLen != len(frame) {
		return h, nil, errs.New(errs.PACKET_ERR, "md payload-size %d inconsistent with frame length %d", h.PayloadSize, len(frame))
	}
	payload := frame[MDHeaderSize : MDHeaderSize+int(h.PayloadSize)]
	pcrcOff := MDHeaderSize + int(h.PayloadSize)
	if Checksum(payload) != Get32(frame[pcrcOff:pcrcOff+4]) {
		return h, nil, errs.New(errs.CRC_ERR, "md payload CRC mismatch")
	}
	if (etbTopo != 0 && h.EtbTopoCount != 0 && etbTopo != h.EtbTopoCount) ||
		(opTopo != 0 && h.OpTopoCount != 0 && opTopo != h.OpTopoCount) {
		return h, nil, errs.New(errs.TOPO_ERR, "md topology count mismatch")
	}
	return h, payload, nil
}

func getMDHeader(b []byte) MDHeader {
	h := MDHeader{
		SeqCounter:   Get32(b[0:4]),
		Version:      Get16(b[4:6]),
		MsgType:      string(b[6:8]),
		ComID:        Get32(b[8:12]),
		EtbTopoCount: Get32(b[12:16]),
		OpTopoCount:  Get32(b[16:20]),
		PayloadSize:  Get32(b[20:24]),
		Reserved:     Get32(b[24:28]),
		ReplyStatus:  int32(Get32(b[44:48])),
		NumReplies:   Get32(b[48:52]),
		ReplyTimeout: Get32(b[52:56]),
		SourceURI:    getURI(b[56:88]),
		DestURI:      getURI(b[88:120]),
	}
	copy(h.SessionUUID[:], b[28:44])
	return h
}
